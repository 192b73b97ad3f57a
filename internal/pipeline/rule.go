// Package pipeline turns raw MQTT messages into object-graph writes: topic
// pattern matching, byte/bit extraction, codec decoding, template-driven
// schema mapping and recursive payload decomposition.
package pipeline

// Rule is one admin-managed mapping from a topic pattern to the object graph.
// Template fields substitute `{param}` captures from the matched topic;
// extractor fields are path expressions over the decoded payload.
type Rule struct {
	ID           string         `json:"id" yaml:"id"`
	TopicPattern string         `json:"topicPattern" yaml:"topicPattern"`
	Codec        string         `json:"codec" yaml:"codec"`
	CodecOptions map[string]any `json:"codecOptions,omitempty" yaml:"codecOptions"`

	Extract *ExtractSpec `json:"extract,omitempty" yaml:"extract"`

	NamespaceURI        string `json:"namespaceUri,omitempty" yaml:"namespaceUri"`
	ObjectTypeID        string `json:"objectTypeId,omitempty" yaml:"objectTypeId"`
	ElementIDTemplate   string `json:"elementIdTemplate,omitempty" yaml:"elementIdTemplate"`
	DisplayNameTemplate string `json:"displayNameTemplate,omitempty" yaml:"displayNameTemplate"`

	ValueExtractor     string `json:"valueExtractor,omitempty" yaml:"valueExtractor"`
	TimestampExtractor string `json:"timestampExtractor,omitempty" yaml:"timestampExtractor"`
	QualityExtractor   string `json:"qualityExtractor,omitempty" yaml:"qualityExtractor"`

	Decompose *DecomposeSpec `json:"decompose,omitempty" yaml:"decompose"`
}

// ExtractSpec selects a byte or bit slice of the payload before decoding.
// Bit selection wins when both BitOffset and BitLength are set. Endian is
// advisory here; multi-byte numeric codecs consume it.
type ExtractSpec struct {
	BitOffset  *int   `json:"bitOffset,omitempty" yaml:"bitOffset"`
	BitLength  *int   `json:"bitLength,omitempty" yaml:"bitLength"`
	ByteOffset *int   `json:"byteOffset,omitempty" yaml:"byteOffset"`
	ByteLength *int   `json:"byteLength,omitempty" yaml:"byteLength"`
	Endian     string `json:"endian,omitempty" yaml:"endian"`
}

// Decomposition strategies.
const (
	StrategyAbelara = "abelara"
	StrategyFlat    = "flat"
	StrategyAuto    = "auto"
)

// DecomposeSpec enables recursive decomposition of a structured payload into
// child entities. MaxDepth 0 means unlimited; the default is 10.
type DecomposeSpec struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Strategy        string   `json:"strategy,omitempty" yaml:"strategy"`
	Root            string   `json:"root,omitempty" yaml:"root"`
	ChildIDStrategy string   `json:"childIdStrategy,omitempty" yaml:"childIdStrategy"`
	MaxDepth        *int     `json:"maxDepth,omitempty" yaml:"maxDepth"`
	ExcludeFields   []string `json:"excludeFields,omitempty" yaml:"excludeFields"`
}
