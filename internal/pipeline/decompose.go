package pipeline

import (
	"strings"

	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

// Marker fields recognized by the abelara strategy. Markers are never
// materialized as children or scalar leaves.
const (
	markerModel = "_model"
	markerName  = "_name"
	markerPath  = "_path"
)

// Type ids assigned to decomposed entities.
const (
	TypeDecomposedComponent = "DecomposedComponent"
	TypeScalarProperty      = "ScalarProperty"
)

// defaultDecomposeDepth bounds recursion when the rule does not set one.
const defaultDecomposeDepth = 10

// DecomposedEntity is one child produced by decomposition: its instance, its
// value and the elementId of the entity it is a component of.
type DecomposedEntity struct {
	Instance          store.ObjectInstance
	Value             store.ObjectValue
	ParentComponentID string
}

// DecomposePayload walks the decoded structure of a primary entity and
// materializes nested mappings as component children and scalar/list fields
// as ScalarProperty leaves. Returns nil when decomposition is disabled or the
// (optionally path-narrowed) root is not a mapping.
func DecomposePayload(primary Mapped, spec *DecomposeSpec) []DecomposedEntity {
	if spec == nil || !spec.Enabled {
		return nil
	}

	root := primary.Value
	if spec.Root != "" {
		narrowed, ok := ExtractPath(root, spec.Root)
		if !ok {
			return nil
		}
		root = narrowed
	}
	rootMap, ok := root.AsMap()
	if !ok {
		return nil
	}

	d := decomposer{
		spec:     spec,
		primary:  primary,
		excluded: make(map[string]struct{}, len(spec.ExcludeFields)+3),
		maxDepth: defaultDecomposeDepth,
	}
	for _, f := range spec.ExcludeFields {
		d.excluded[f] = struct{}{}
	}
	d.excluded[markerModel] = struct{}{}
	d.excluded[markerName] = struct{}{}
	d.excluded[markerPath] = struct{}{}
	if spec.MaxDepth != nil {
		d.maxDepth = *spec.MaxDepth
	}

	d.walk(rootMap, primary.ElementID, 1)
	return d.out
}

type decomposer struct {
	spec     *DecomposeSpec
	primary  Mapped
	excluded map[string]struct{}
	maxDepth int
	out      []DecomposedEntity
}

// walk materializes the children of node at the given depth (1 = direct
// children of the primary). maxDepth 0 means unbounded.
func (d *decomposer) walk(node map[string]store.Value, parentID string, depth int) {
	if d.maxDepth != 0 && depth > d.maxDepth {
		return
	}

	strategy := d.spec.Strategy
	if strategy == "" {
		strategy = StrategyAuto
	}
	if strategy == StrategyAuto {
		strategy = StrategyFlat
		for key, child := range node {
			if _, skip := d.excluded[key]; skip {
				continue
			}
			if m, isMap := child.AsMap(); isMap && hasAbelaraMarkers(m) {
				strategy = StrategyAbelara
				break
			}
		}
	}

	for _, key := range sortedKeys(node) {
		if _, skip := d.excluded[key]; skip {
			continue
		}
		child := node[key]

		childMap, isMap := child.AsMap()
		if !isMap {
			// Scalar or list field: a ScalarProperty leaf.
			leafID := parentID + "." + sanitizeSegment(key)
			d.out = append(d.out, DecomposedEntity{
				Instance: store.ObjectInstance{
					ElementID:    leafID,
					DisplayName:  key,
					TypeID:       TypeScalarProperty,
					NamespaceURI: d.primary.NamespaceURI,
				},
				Value: store.ObjectValue{
					ElementID: leafID,
					Value:     child,
					Timestamp: d.primary.Timestamp,
					Quality:   d.primary.Quality,
				},
				ParentComponentID: parentID,
			})
			continue
		}

		switch strategy {
		case StrategyAbelara:
			if !hasAbelaraMarkers(childMap) {
				continue
			}
		default: // flat
			if len(childMap) == 0 {
				continue
			}
		}

		displayName := key
		if n, ok := stringField(childMap, markerName); ok {
			displayName = n
		}
		typeID := TypeDecomposedComponent
		if m, ok := stringField(childMap, markerModel); ok {
			segments := strings.Split(m, "/")
			typeID = segments[len(segments)-1]
		}

		childID := parentID + "." + sanitizeSegment(key)
		if d.spec.ChildIDStrategy == "path" {
			if p, ok := stringField(childMap, markerPath); ok {
				childID = strings.ReplaceAll(p, "/", ".")
			}
		}

		d.out = append(d.out, DecomposedEntity{
			Instance: store.ObjectInstance{
				ElementID:    childID,
				DisplayName:  displayName,
				TypeID:       typeID,
				NamespaceURI: d.primary.NamespaceURI,
			},
			Value: store.ObjectValue{
				ElementID: childID,
				Value:     d.scalarSubset(childMap),
				Timestamp: d.primary.Timestamp,
				Quality:   d.primary.Quality,
			},
			ParentComponentID: parentID,
		})

		d.walk(childMap, childID, depth+1)
	}
}

// scalarSubset collects the non-map, non-list fields of node minus excluded
// and marker fields. An empty subset is a null value.
func (d *decomposer) scalarSubset(node map[string]store.Value) store.Value {
	subset := make(map[string]store.Value)
	for k, v := range node {
		if _, skip := d.excluded[k]; skip {
			continue
		}
		if v.Kind() == store.KindMap || v.Kind() == store.KindList {
			continue
		}
		subset[k] = v
	}
	if len(subset) == 0 {
		return store.Null()
	}
	return store.Map(subset)
}

func hasAbelaraMarkers(m map[string]store.Value) bool {
	if _, ok := stringField(m, markerName); ok {
		return true
	}
	_, ok := stringField(m, markerModel)
	return ok
}

func stringField(m map[string]store.Value, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// sanitizeSegment makes a payload key safe as an elementId segment.
func sanitizeSegment(key string) string {
	key = strings.ReplaceAll(key, ".", "_")
	return strings.ReplaceAll(key, "/", "_")
}

func sortedKeys(m map[string]store.Value) []string {
	return store.Map(m).Keys()
}
