package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
	"github.com/samels-litmus/mqtt-to-i3x/internal/telemetry"
)

// Counters is a snapshot of the pipeline's message accounting.
type Counters struct {
	Received uint64 `json:"received"`
	Matched  uint64 `json:"matched"`
	Errors   uint64 `json:"errors"`
	Stored   uint64 `json:"stored"`
}

// Pipeline glues the ingest stages together: topic match, byte extraction,
// codec decode, schema mapping, decomposition and the store writes.
type Pipeline struct {
	engine  *Engine
	codecs  *CodecRegistry
	store   *store.Store
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics

	received atomic.Uint64
	matched  atomic.Uint64
	errors   atomic.Uint64
	stored   atomic.Uint64
}

// New wires a pipeline. metrics may be nil when telemetry is disabled.
func New(engine *Engine, codecs *CodecRegistry, st *store.Store, logger *zap.Logger, metrics *telemetry.PipelineMetrics) *Pipeline {
	return &Pipeline{
		engine:  engine,
		codecs:  codecs,
		store:   st,
		logger:  logger,
		metrics: metrics,
	}
}

// Engine exposes the mapping engine for the admin surface.
func (p *Pipeline) Engine() *Engine { return p.engine }

// Codecs exposes the codec registry.
func (p *Pipeline) Codecs() *CodecRegistry { return p.codecs }

// Counters returns the current message accounting.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Received: p.received.Load(),
		Matched:  p.matched.Load(),
		Errors:   p.errors.Load(),
		Stored:   p.stored.Load(),
	}
}

// HandleMessage processes one MQTT message end to end. Unmatched topics are
// dropped silently; decode failures are counted and dropped. The bridge never
// fails on a data message.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	receiveTime := time.Now()
	p.received.Add(1)
	p.addMetric(func(m *telemetry.PipelineMetrics) { m.Received.Add(context.Background(), 1) })

	match := p.engine.Match(topic)
	if match == nil {
		return
	}
	p.matched.Add(1)
	p.addMetric(func(m *telemetry.PipelineMetrics) { m.Matched.Add(context.Background(), 1) })
	rule := match.Rule.Rule

	data := ExtractBytes(payload, rule.Extract)
	decoded, ok := p.codecs.Decode(rule.Codec, data, p.codecOptions(rule))
	if !ok {
		p.errors.Add(1)
		p.addMetric(func(m *telemetry.PipelineMetrics) { m.Errors.Add(context.Background(), 1) })
		p.logger.Debug("decode failed, message dropped",
			zap.String("topic", topic),
			zap.String("rule", rule.ID),
			zap.String("codec", rule.Codec),
			zap.Int("payload_len", len(payload)),
		)
		return
	}

	mapped := MapMessage(rule, topic, match.Captures, decoded, receiveTime)
	children := DecomposePayload(mapped, rule.Decompose)

	p.store.Upsert(mapped.ElementID, store.ObjectValue{
		Value:     mapped.Value,
		Timestamp: mapped.Timestamp,
		Quality:   mapped.Quality,
	}, &store.ObjectInstance{
		DisplayName:   mapped.DisplayName,
		TypeID:        mapped.TypeID,
		NamespaceURI:  mapped.NamespaceURI,
		IsComposition: len(children) > 0,
	})
	stored := uint64(1)

	for _, child := range children {
		inst := child.Instance
		p.store.Upsert(child.Instance.ElementID, child.Value, &inst)
		// ComponentOf back-edge is added by the store via reverseOf.
		p.store.AddRelationship(child.ParentComponentID, child.Instance.ElementID, store.RelHasComponent)
		stored++
	}

	p.stored.Add(stored)
	p.addMetric(func(m *telemetry.PipelineMetrics) { m.Stored.Add(context.Background(), int64(stored)) })
}

// codecOptions merges the extraction endian hint into the rule's codec
// options without mutating the shared rule.
func (p *Pipeline) codecOptions(rule Rule) CodecOptions {
	if rule.Extract == nil || rule.Extract.Endian == "" {
		return CodecOptions(rule.CodecOptions)
	}
	if _, explicit := rule.CodecOptions["endian"]; explicit {
		return CodecOptions(rule.CodecOptions)
	}
	opts := make(CodecOptions, len(rule.CodecOptions)+1)
	for k, v := range rule.CodecOptions {
		opts[k] = v
	}
	opts["endian"] = rule.Extract.Endian
	return opts
}

func (p *Pipeline) addMetric(fn func(*telemetry.PipelineMetrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
