package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
)

// DefaultNamespace is used when a rule names no namespace and the topic
// captured none.
const DefaultNamespace = "urn:default"

// DefaultTypeID is the typeId for rules that name none.
const DefaultTypeID = "GenericTag"

// Mapped is the schema-mapper output for one message: the canonical identity
// plus the value/timestamp/quality triple.
type Mapped struct {
	ElementID    string
	Value        store.Value
	Timestamp    string
	Quality      string
	NamespaceURI string
	TypeID       string
	DisplayName  string
}

// RenderTemplate substitutes every `{key}` in tpl with captures[key].
// Missing keys render as empty; there is no escaping and no nesting.
func RenderTemplate(tpl string, captures map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		return captures[m[1:len(m)-1]]
	})
}

// ExtractPath evaluates a minimal JSONPath subset against v: optional
// leading "$.", dot-separated keys, a segment may end in one or more
// "[index]" suffixes. Any type mismatch yields (null, false).
func ExtractPath(v store.Value, expr string) (store.Value, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return v, true
	}
	expr = strings.TrimPrefix(expr, "$.")
	if expr == "$" {
		return v, true
	}

	cur := v
	for _, segment := range strings.Split(expr, ".") {
		name := segment
		var indices []int
		for {
			open := strings.LastIndex(name, "[")
			if open < 0 || !strings.HasSuffix(name, "]") {
				break
			}
			idx, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil {
				return store.Null(), false
			}
			indices = append([]int{idx}, indices...)
			name = name[:open]
		}

		if name != "" {
			child, ok := cur.Get(name)
			if !ok {
				return store.Null(), false
			}
			cur = child
		}
		for _, idx := range indices {
			child, ok := cur.Index(idx)
			if !ok {
				return store.Null(), false
			}
			cur = child
		}
	}
	return cur, true
}

// FormatTimestamp renders t in the bridge's RFC 3339 wire layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(store.TimestampLayout)
}

// MapMessage applies a matched rule to a decoded payload, producing the
// canonical identity and VQT for the primary entity.
//
// Fallbacks when the rule leaves fields unset: elementId from the topic with
// "/" replaced by ".", value from the whole decoded payload, timestamp from
// receiveTime, namespace from the "namespace" capture or DefaultNamespace,
// typeId GenericTag, displayName from the elementId.
func MapMessage(rule Rule, topic string, captures map[string]string, decoded store.Value, receiveTime time.Time) Mapped {
	out := Mapped{Value: decoded}

	if rule.ElementIDTemplate != "" {
		out.ElementID = RenderTemplate(rule.ElementIDTemplate, captures)
	} else {
		out.ElementID = strings.ReplaceAll(topic, "/", ".")
	}

	if rule.ValueExtractor != "" {
		if v, ok := ExtractPath(decoded, rule.ValueExtractor); ok && !v.IsNull() {
			out.Value = v
		}
	}

	out.Timestamp = FormatTimestamp(receiveTime)
	if rule.TimestampExtractor != "" {
		if v, ok := ExtractPath(decoded, rule.TimestampExtractor); ok {
			if s, isStr := v.AsString(); isStr {
				out.Timestamp = s
			} else if n, isNum := v.AsNumber(); isNum {
				out.Timestamp = FormatTimestamp(time.UnixMilli(int64(n)))
			}
		}
	}

	if rule.QualityExtractor != "" {
		if v, ok := ExtractPath(decoded, rule.QualityExtractor); ok {
			if s, isStr := v.AsString(); isStr {
				out.Quality = s
			}
		}
	}

	switch {
	case rule.NamespaceURI != "":
		out.NamespaceURI = RenderTemplate(rule.NamespaceURI, captures)
	case captures["namespace"] != "":
		out.NamespaceURI = captures["namespace"]
	default:
		out.NamespaceURI = DefaultNamespace
	}

	if rule.ObjectTypeID != "" {
		out.TypeID = RenderTemplate(rule.ObjectTypeID, captures)
	} else {
		out.TypeID = DefaultTypeID
	}

	if rule.DisplayNameTemplate != "" {
		out.DisplayName = RenderTemplate(rule.DisplayNameTemplate, captures)
	} else {
		out.DisplayName = out.ElementID
	}

	return out
}
