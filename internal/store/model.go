// Package store holds the canonical in-memory i3X object graph: instances,
// last-known values, type/namespace catalogues and typed relationships with
// their reverse index. The store is the single source of truth for the REST
// surface; the ingest pipeline writes into it and the subscription manager
// listens to it.
package store

import "encoding/json"

// Relationship type ids seeded at construction. Every store starts with these
// four under NamespaceRelationships.
const (
	RelHasParent    = "HasParent"
	RelHasChildren  = "HasChildren"
	RelHasComponent = "HasComponent"
	RelComponentOf  = "ComponentOf"
)

// NamespaceRelationships is the namespace URI of the built-in relationship types.
const NamespaceRelationships = "urn:i3x:relationships"

// TypePlaceholder is the typeId given to auto-created ancestor instances.
const TypePlaceholder = "Placeholder"

// Quality sentinels. An empty Quality string means "not reported".
const (
	QualityGood      = "Good"
	QualityUncertain = "uncertain"
)

// Namespace groups types and instances under a URI.
type Namespace struct {
	URI         string `json:"uri"`
	DisplayName string `json:"displayName"`
}

// ObjectType is a catalogue entry for a class of instance. Schema is opaque
// to the bridge: payloads are never validated against it, it is carried
// verbatim for clients.
type ObjectType struct {
	ElementID    string          `json:"elementId"`
	DisplayName  string          `json:"displayName"`
	NamespaceURI string          `json:"namespaceUri"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

// RelationshipType catalogues a directed edge type. ReverseOf names the paired
// inverse type; AddRelationship maintains both directions through it.
type RelationshipType struct {
	ElementID    string `json:"elementId"`
	DisplayName  string `json:"displayName"`
	NamespaceURI string `json:"namespaceUri"`
	ReverseOf    string `json:"reverseOf,omitempty"`
}

// ObjectInstance is a single live object in the graph. parentId and
// hasChildren are deliberately absent: both are derived from HasParent edges
// so an upsert can never desynchronize them.
type ObjectInstance struct {
	ElementID     string `json:"elementId"`
	DisplayName   string `json:"displayName"`
	TypeID        string `json:"typeId"`
	NamespaceURI  string `json:"namespaceUri"`
	IsComposition bool   `json:"isComposition"`
}

// ObjectValue is the current value/timestamp/quality triple for an elementId.
// Timestamp is an RFC 3339 string; extractor-supplied literals pass through
// untouched. Quality "" means absent.
type ObjectValue struct {
	ElementID string `json:"elementId"`
	Value     Value  `json:"value"`
	Timestamp string `json:"timestamp"`
	Quality   string `json:"quality,omitempty"`
}

// Relationship is a directed (source, target, type) triple.
type Relationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	TypeID string `json:"typeId"`
}

// Stats is the counter snapshot returned by Store.Stats.
type Stats struct {
	Values            int `json:"values"`
	Instances         int `json:"instances"`
	ObjectTypes       int `json:"objectTypes"`
	Namespaces        int `json:"namespaces"`
	RelationshipTypes int `json:"relationshipTypes"`
	Relationships     int `json:"relationships"`
}
