package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when an elementId has no entry.
	ErrNotFound = errors.New("element not found")
	// ErrTypeInUse is returned when deleting an object type that still has instances.
	ErrTypeInUse = errors.New("object type has live instances")
)

// ChangeListener is invoked synchronously after every successful Upsert,
// in upsert order, before Upsert returns. instance is nil for value-only
// upserts. Listeners must not block; panics are swallowed.
type ChangeListener func(elementID string, value ObjectValue, instance *ObjectInstance)

// Store is the canonical entity/value/relationship graph. All maps and
// indices are guarded by a single RWMutex; mutating operations are serialized.
type Store struct {
	mu sync.RWMutex

	values    map[string]ObjectValue
	instances map[string]ObjectInstance

	namespaces map[string]Namespace
	types      map[string]ObjectType
	relTypes   map[string]RelationshipType

	// relationships holds forward edges per source in insertion order;
	// targetIndex is the exact reverse image (target -> set of sources).
	relationships map[string][]Relationship
	targetIndex   map[string]map[string]struct{}

	// secondary indices over instances.
	namespaceIndex map[string]map[string]struct{}
	typeIndex      map[string]map[string]struct{}

	listeners  map[int]ChangeListener
	listenerID int

	logger *zap.Logger
}

// New constructs an empty store with the four built-in relationship types
// seeded under NamespaceRelationships.
func New(logger *zap.Logger) *Store {
	s := &Store{
		values:         make(map[string]ObjectValue),
		instances:      make(map[string]ObjectInstance),
		namespaces:     make(map[string]Namespace),
		types:          make(map[string]ObjectType),
		relTypes:       make(map[string]RelationshipType),
		relationships:  make(map[string][]Relationship),
		targetIndex:    make(map[string]map[string]struct{}),
		namespaceIndex: make(map[string]map[string]struct{}),
		typeIndex:      make(map[string]map[string]struct{}),
		listeners:      make(map[int]ChangeListener),
		logger:         logger,
	}
	s.namespaces[NamespaceRelationships] = Namespace{
		URI:         NamespaceRelationships,
		DisplayName: "i3X Relationships",
	}
	for _, rt := range []RelationshipType{
		{ElementID: RelHasParent, DisplayName: "Has Parent", NamespaceURI: NamespaceRelationships, ReverseOf: RelHasChildren},
		{ElementID: RelHasChildren, DisplayName: "Has Children", NamespaceURI: NamespaceRelationships, ReverseOf: RelHasParent},
		{ElementID: RelHasComponent, DisplayName: "Has Component", NamespaceURI: NamespaceRelationships, ReverseOf: RelComponentOf},
		{ElementID: RelComponentOf, DisplayName: "Component Of", NamespaceURI: NamespaceRelationships, ReverseOf: RelHasComponent},
	} {
		s.relTypes[rt.ElementID] = rt
	}
	return s
}

// ── values & instances ────────────────────────────────────────────────────

// Upsert replaces the value for elementID and, when instance is non-nil,
// installs or replaces the instance, reindexes it, ensures the dot-segmented
// ancestry exists (creating Placeholder instances as needed) and rewires the
// HasParent/HasChildren pair. Change listeners run before Upsert returns.
func (s *Store) Upsert(elementID string, value ObjectValue, instance *ObjectInstance) {
	s.mu.Lock()

	value.ElementID = elementID
	s.values[elementID] = value

	var stored *ObjectInstance
	if instance != nil {
		inst := *instance
		inst.ElementID = elementID

		if prev, ok := s.instances[elementID]; ok {
			s.unindexInstance(prev)
		}
		s.instances[elementID] = inst
		s.indexInstance(inst)
		stored = &inst

		parentID := ParentPrefix(elementID)
		if parentID != "" && parentID != elementID {
			s.ensureParentExists(parentID, inst.NamespaceURI)

			// A rename-by-upsert may change the parent; drop stale edges first.
			s.removeEdgesByType(elementID, RelHasParent)
			s.addEdge(elementID, parentID, RelHasParent)
			s.addEdge(parentID, elementID, RelHasChildren)
		}
	}

	listeners := make([]ChangeListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.invokeListener(l, elementID, value, stored)
	}
}

// invokeListener isolates listener panics so a broken listener cannot
// corrupt the store or starve the remaining listeners.
func (s *Store) invokeListener(l ChangeListener, elementID string, value ObjectValue, instance *ObjectInstance) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("change listener panicked",
				zap.String("element_id", elementID),
				zap.Any("panic", r),
			)
		}
	}()
	l(elementID, value, instance)
}

// ensureParentExists walks the ancestry chain of parentID, creating a
// Placeholder instance (value null, quality uncertain) at every missing
// level. Terminates when the prefix is empty or self-parenting would occur.
// Caller holds the write lock.
func (s *Store) ensureParentExists(parentID, namespaceURI string) {
	if parentID == "" {
		return
	}
	if _, ok := s.instances[parentID]; ok {
		return
	}

	segments := strings.Split(parentID, ".")
	inst := ObjectInstance{
		ElementID:    parentID,
		DisplayName:  segments[len(segments)-1],
		TypeID:       TypePlaceholder,
		NamespaceURI: namespaceURI,
	}
	s.instances[parentID] = inst
	s.indexInstance(inst)
	// A value-only upsert may already have stored a reading under this id;
	// the placeholder null must not clobber it.
	if _, ok := s.values[parentID]; !ok {
		s.values[parentID] = ObjectValue{
			ElementID: parentID,
			Value:     Null(),
			Timestamp: time.Now().UTC().Format(TimestampLayout),
			Quality:   QualityUncertain,
		}
	}

	grand := ParentPrefix(parentID)
	if grand != "" && grand != parentID {
		s.ensureParentExists(grand, namespaceURI)
		s.addEdge(parentID, grand, RelHasParent)
		s.addEdge(grand, parentID, RelHasChildren)
	}
}

// TimestampLayout renders RFC 3339 instants with millisecond precision, the
// wire format used for every timestamp the bridge emits.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ParentPrefix returns all but the last dot-segment of elementID, or "" for
// single-segment ids.
func ParentPrefix(elementID string) string {
	idx := strings.LastIndex(elementID, ".")
	if idx <= 0 {
		return ""
	}
	return elementID[:idx]
}

// Delete removes the instance, its value and every relationship touching
// elementID. Reports whether anything was removed. Dot-hierarchy descendants
// are left alone.
func (s *Store) Delete(elementID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hadValue := s.values[elementID]
	inst, hadInstance := s.instances[elementID]
	if !hadValue && !hadInstance {
		return false
	}
	delete(s.values, elementID)
	if hadInstance {
		s.unindexInstance(inst)
		delete(s.instances, elementID)
	}
	s.clearRelationshipsLocked(elementID)
	return true
}

// Clear drops all values, instances and relationships. Registered namespaces,
// object types and relationship types survive.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]ObjectValue)
	s.instances = make(map[string]ObjectInstance)
	s.relationships = make(map[string][]Relationship)
	s.targetIndex = make(map[string]map[string]struct{})
	s.namespaceIndex = make(map[string]map[string]struct{})
	s.typeIndex = make(map[string]map[string]struct{})
}

// GetValue returns the current value for elementID.
func (s *Store) GetValue(elementID string) (ObjectValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[elementID]
	return v, ok
}

// GetValues returns the values that exist among ids, in id order.
func (s *Store) GetValues(ids []string) []ObjectValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectValue, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.values[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// GetAllValues returns every stored value.
func (s *Store) GetAllValues() []ObjectValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectValue, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

// GetInstance returns the instance for elementID.
func (s *Store) GetInstance(elementID string) (ObjectInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[elementID]
	return inst, ok
}

// GetInstances returns the instances that exist among ids, in id order.
func (s *Store) GetInstances(ids []string) []ObjectInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInstance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// GetAllInstances returns every instance.
func (s *Store) GetAllInstances() []ObjectInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// GetInstancesByNamespace returns the instances whose namespace is uri.
// Order is unspecified.
func (s *Store) GetInstancesByNamespace(uri string) []ObjectInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInstance, 0, len(s.namespaceIndex[uri]))
	for id := range s.namespaceIndex[uri] {
		out = append(out, s.instances[id])
	}
	return out
}

// GetInstancesByType returns the instances whose typeId is typeID.
// Order is unspecified.
func (s *Store) GetInstancesByType(typeID string) []ObjectInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInstance, 0, len(s.typeIndex[typeID]))
	for id := range s.typeIndex[typeID] {
		out = append(out, s.instances[id])
	}
	return out
}

func (s *Store) indexInstance(inst ObjectInstance) {
	addToIndex(s.namespaceIndex, inst.NamespaceURI, inst.ElementID)
	addToIndex(s.typeIndex, inst.TypeID, inst.ElementID)
}

func (s *Store) unindexInstance(inst ObjectInstance) {
	removeFromIndex(s.namespaceIndex, inst.NamespaceURI, inst.ElementID)
	removeFromIndex(s.typeIndex, inst.TypeID, inst.ElementID)
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// ── registries ────────────────────────────────────────────────────────────

// RegisterNamespace installs or replaces a namespace. Namespaces are never
// deleted by runtime events.
func (s *Store) RegisterNamespace(ns Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[ns.URI] = ns
}

// GetNamespace returns the namespace registered under uri.
func (s *Store) GetNamespace(uri string) (Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[uri]
	return ns, ok
}

// GetAllNamespaces returns every registered namespace.
func (s *Store) GetAllNamespaces() []Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	return out
}

// RegisterObjectType installs or replaces an object type.
func (s *Store) RegisterObjectType(t ObjectType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[t.ElementID] = t
}

// GetObjectType returns the type registered under elementID.
func (s *Store) GetObjectType(elementID string) (ObjectType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[elementID]
	return t, ok
}

// GetAllObjectTypes returns every registered object type.
func (s *Store) GetAllObjectTypes() []ObjectType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	return out
}

// GetObjectTypesByNamespace returns the types registered under uri.
func (s *Store) GetObjectTypesByNamespace(uri string) []ObjectType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectType
	for _, t := range s.types {
		if t.NamespaceURI == uri {
			out = append(out, t)
		}
	}
	return out
}

// DeleteObjectType removes a type from the catalogue. Refused with
// ErrTypeInUse while any instance references it.
func (s *Store) DeleteObjectType(elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[elementID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, elementID)
	}
	if len(s.typeIndex[elementID]) > 0 {
		return fmt.Errorf("%w: %s (%d instances)", ErrTypeInUse, elementID, len(s.typeIndex[elementID]))
	}
	delete(s.types, elementID)
	return nil
}

// RegisterRelationshipType installs or replaces a relationship type.
func (s *Store) RegisterRelationshipType(rt RelationshipType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relTypes[rt.ElementID] = rt
}

// GetRelationshipType returns the relationship type registered under elementID.
func (s *Store) GetRelationshipType(elementID string) (RelationshipType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.relTypes[elementID]
	return rt, ok
}

// GetAllRelationshipTypes returns every registered relationship type.
func (s *Store) GetAllRelationshipTypes() []RelationshipType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RelationshipType, 0, len(s.relTypes))
	for _, rt := range s.relTypes {
		out = append(out, rt)
	}
	return out
}

// GetRelationshipTypesByNamespace returns the relationship types under uri.
func (s *Store) GetRelationshipTypesByNamespace(uri string) []RelationshipType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RelationshipType
	for _, rt := range s.relTypes {
		if rt.NamespaceURI == uri {
			out = append(out, rt)
		}
	}
	return out
}

// ── relationships ─────────────────────────────────────────────────────────

// AddRelationship records a (source, target, typeID) edge and, when the
// relationship type declares a reverse, the mirrored inverse edge. Adding an
// identical edge twice is a no-op.
func (s *Store) AddRelationship(source, target, typeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdge(source, target, typeID)
	if rt, ok := s.relTypes[typeID]; ok && rt.ReverseOf != "" {
		s.addEdge(target, source, rt.ReverseOf)
	}
}

// addEdge inserts a forward edge and updates the reverse index. Duplicate
// edges are ignored. Caller holds the write lock.
func (s *Store) addEdge(source, target, typeID string) {
	for _, r := range s.relationships[source] {
		if r.Target == target && r.TypeID == typeID {
			return
		}
	}
	s.relationships[source] = append(s.relationships[source], Relationship{
		Source: source,
		Target: target,
		TypeID: typeID,
	})
	addToIndex(s.targetIndex, target, source)
}

// GetRelationships returns the edges originating at elementID in insertion
// order, optionally filtered by typeID ("" means all).
func (s *Store) GetRelationships(elementID, typeID string) []Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relationship
	for _, r := range s.relationships[elementID] {
		if typeID == "" || r.TypeID == typeID {
			out = append(out, r)
		}
	}
	return out
}

// GetRelatedElementIDs returns the targets of elementID's edges, optionally
// filtered by typeID, in insertion order.
func (s *Store) GetRelatedElementIDs(elementID, typeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, r := range s.relationships[elementID] {
		if typeID == "" || r.TypeID == typeID {
			out = append(out, r.Target)
		}
	}
	return out
}

// GetSourcesForTarget returns every source with at least one edge pointing at
// targetID. O(1) via the reverse index.
func (s *Store) GetSourcesForTarget(targetID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.targetIndex[targetID]))
	for src := range s.targetIndex[targetID] {
		out = append(out, src)
	}
	return out
}

// RemoveRelationship deletes the (source, target, typeID) edge (every edge
// between the pair when typeID is ""), along with the declared inverse.
func (s *Store) RemoveRelationship(source, target, typeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeEdges(source, func(r Relationship) bool {
		return r.Target == target && (typeID == "" || r.TypeID == typeID)
	})
	for _, r := range removed {
		if rt, ok := s.relTypes[r.TypeID]; ok && rt.ReverseOf != "" {
			s.removeEdges(target, func(inv Relationship) bool {
				return inv.Target == source && inv.TypeID == rt.ReverseOf
			})
		}
	}
}

// RemoveRelationshipsByType deletes every typeID edge originating at
// elementID, along with the declared inverses.
func (s *Store) RemoveRelationshipsByType(elementID, typeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEdgesByType(elementID, typeID)
}

// removeEdgesByType is RemoveRelationshipsByType without locking.
func (s *Store) removeEdgesByType(elementID, typeID string) {
	removed := s.removeEdges(elementID, func(r Relationship) bool {
		return r.TypeID == typeID
	})
	rt, ok := s.relTypes[typeID]
	if !ok || rt.ReverseOf == "" {
		return
	}
	for _, r := range removed {
		s.removeEdges(r.Target, func(inv Relationship) bool {
			return inv.Target == elementID && inv.TypeID == rt.ReverseOf
		})
	}
}

// removeEdges filters elementID's forward list, keeping edges for which match
// is false, and repairs the reverse index. Returns the removed edges.
// Caller holds the write lock.
func (s *Store) removeEdges(elementID string, match func(Relationship) bool) []Relationship {
	edges := s.relationships[elementID]
	if len(edges) == 0 {
		return nil
	}
	var kept []Relationship
	var removed []Relationship
	for _, r := range edges {
		if match(r) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if len(kept) == 0 {
		delete(s.relationships, elementID)
	} else {
		s.relationships[elementID] = kept
	}
	// A source stays in a target's reverse set while any edge still points there.
	for _, r := range removed {
		stillPoints := false
		for _, k := range kept {
			if k.Target == r.Target {
				stillPoints = true
				break
			}
		}
		if !stillPoints {
			removeFromIndex(s.targetIndex, r.Target, elementID)
		}
	}
	return removed
}

// ClearRelationships removes every edge with elementID as source or target.
func (s *Store) ClearRelationships(elementID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRelationshipsLocked(elementID)
}

func (s *Store) clearRelationshipsLocked(elementID string) {
	// Forward edges: drop the whole list and repair the reverse index.
	for _, r := range s.relationships[elementID] {
		removeFromIndex(s.targetIndex, r.Target, elementID)
	}
	delete(s.relationships, elementID)

	// Inbound edges: filter each pointing source's forward list.
	for src := range s.targetIndex[elementID] {
		s.removeEdges(src, func(r Relationship) bool {
			return r.Target == elementID
		})
	}
	delete(s.targetIndex, elementID)
}

// ── derived properties ────────────────────────────────────────────────────

// GetParentID returns the target of elementID's first HasParent edge.
func (s *Store) GetParentID(elementID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.relationships[elementID] {
		if r.TypeID == RelHasParent {
			return r.Target, true
		}
	}
	return "", false
}

// HasChildren reports whether elementID has at least one HasChildren edge.
func (s *Store) HasChildren(elementID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.relationships[elementID] {
		if r.TypeID == RelHasChildren {
			return true
		}
	}
	return false
}

// ── listeners & stats ─────────────────────────────────────────────────────

// AddChangeListener registers a listener and returns a handle for removal.
func (s *Store) AddChangeListener(l ChangeListener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerID++
	s.listeners[s.listenerID] = l
	return s.listenerID
}

// RemoveChangeListener unregisters the listener behind handle.
func (s *Store) RemoveChangeListener(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, handle)
}

// Stats returns entity and edge counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := 0
	for _, list := range s.relationships {
		edges += len(list)
	}
	return Stats{
		Values:            len(s.values),
		Instances:         len(s.instances),
		ObjectTypes:       len(s.types),
		Namespaces:        len(s.namespaces),
		RelationshipTypes: len(s.relTypes),
		Relationships:     edges,
	}
}
