package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// placeholderRe finds `{name}` placeholders in a topic pattern.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// TopicPattern is a compiled topic pattern: a literal string punctuated by
// `{name}` placeholders, each matching exactly one topic segment.
type TopicPattern struct {
	raw        string
	re         *regexp.Regexp
	paramNames []string
}

// CompileTopicPattern escapes every literal character, replaces each
// placeholder with a single-segment capturing group and anchors the result.
func CompileTopicPattern(pattern string) (*TopicPattern, error) {
	if pattern == "" {
		return nil, errors.New("empty topic pattern")
	}

	var sb strings.Builder
	sb.WriteString("^")
	var names []string
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(pattern, -1) {
		sb.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		// One or more non-slash characters: exactly one topic segment.
		sb.WriteString("([^/]+)")
		names = append(names, pattern[loc[2]:loc[3]])
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(pattern[last:]))
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile topic pattern %q: %w", pattern, err)
	}
	return &TopicPattern{raw: pattern, re: re, paramNames: names}, nil
}

// String returns the original pattern text.
func (p *TopicPattern) String() string { return p.raw }

// ParamNames returns the placeholder names in pattern order.
func (p *TopicPattern) ParamNames() []string { return p.paramNames }

// Match tests topic against the pattern and returns the captures
// (paramName -> segment) on success.
func (p *TopicPattern) Match(topic string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(topic)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(p.paramNames))
	for i, name := range p.paramNames {
		captures[name] = m[i+1]
	}
	return captures, true
}

// SubscribeTopic derives the broker-side MQTT subscription string by
// replacing each placeholder with the single-level wildcard `+`.
func (p *TopicPattern) SubscribeTopic() string {
	return placeholderRe.ReplaceAllString(p.raw, "+")
}

// CompiledRule pairs a mapping rule with its compiled pattern.
type CompiledRule struct {
	Rule    Rule
	Pattern *TopicPattern
}

// RuleMatch is the result of an engine lookup.
type RuleMatch struct {
	Rule     *CompiledRule
	Captures map[string]string
}

// Engine stores mapping rules in insertion order and resolves topics to the
// first matching rule. Insertion order is the tie-break policy: admins order
// rules, the engine does not.
type Engine struct {
	mu    sync.RWMutex
	rules []*CompiledRule
}

// NewEngine returns an empty mapping engine.
func NewEngine() *Engine {
	return &Engine{}
}

// ErrDuplicateRule is returned when adding a rule whose id already exists.
var ErrDuplicateRule = errors.New("mapping rule id already exists")

// Add compiles and appends a rule. Rule ids are unique.
func (e *Engine) Add(rule Rule) (*CompiledRule, error) {
	pattern, err := CompileTopicPattern(rule.TopicPattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cr := range e.rules {
		if cr.Rule.ID == rule.ID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
	}
	cr := &CompiledRule{Rule: rule, Pattern: pattern}
	e.rules = append(e.rules, cr)
	return cr, nil
}

// Replace swaps the rule with the same id in place, preserving its position
// in the match order. Reports whether the id was found.
func (e *Engine) Replace(rule Rule) (*CompiledRule, bool, error) {
	pattern, err := CompileTopicPattern(rule.TopicPattern)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cr := range e.rules {
		if cr.Rule.ID == rule.ID {
			updated := &CompiledRule{Rule: rule, Pattern: pattern}
			e.rules[i] = updated
			return updated, true, nil
		}
	}
	return nil, false, nil
}

// Remove deletes the rule with the given id, reporting whether it existed.
func (e *Engine) Remove(id string) (*CompiledRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cr := range e.rules {
		if cr.Rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return cr, true
		}
	}
	return nil, false
}

// Get returns the rule with the given id.
func (e *Engine) Get(id string) (*CompiledRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.rules {
		if cr.Rule.ID == id {
			return cr, true
		}
	}
	return nil, false
}

// List returns the rules in insertion order.
func (e *Engine) List() []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*CompiledRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Match returns the first rule matching topic, or nil.
func (e *Engine) Match(topic string) *RuleMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.rules {
		if captures, ok := cr.Pattern.Match(topic); ok {
			return &RuleMatch{Rule: cr, Captures: captures}
		}
	}
	return nil
}

// MatchAll returns every rule matching topic, in insertion order.
func (e *Engine) MatchAll(topic string) []*RuleMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*RuleMatch
	for _, cr := range e.rules {
		if captures, ok := cr.Pattern.Match(topic); ok {
			out = append(out, &RuleMatch{Rule: cr, Captures: captures})
		}
	}
	return out
}
