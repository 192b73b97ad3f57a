// Package subscription tracks per-client monitored-item sets, buffers change
// notifications in bounded FIFO queues and fans them out over Server-Sent
// Events. Delivery is at-least-once: a value reaches the queue before any SSE
// write is attempted, and Sync drains whatever SSE may already have sent.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
	"github.com/samels-litmus/mqtt-to-i3x/internal/telemetry"
)

// DefaultHighWaterMark bounds a subscription's pending queue when the client
// names no bound. Overflow drops the oldest entry, preferring recency.
const DefaultHighWaterMark = 10000

// sseBuffer is the per-stream frame channel capacity. A client that falls
// this far behind has frames abandoned; the queue still holds them for Sync.
const sseBuffer = 64

// ErrNotFound is returned for operations on unknown subscription ids.
var ErrNotFound = errors.New("subscription not found")

// Info is the externally visible state of a subscription.
type Info struct {
	SubscriptionID     string   `json:"subscriptionId"`
	CreatedAt          string   `json:"createdAt"`
	MonitoredItems     []string `json:"monitoredItems"`
	MaxDepth           int      `json:"maxDepth"`
	QueueHighWaterMark int      `json:"queueHighWaterMark"`
	PendingCount       int      `json:"pendingCount"`
	Streaming          bool     `json:"streaming"`
}

// CreateInput carries the optional creation parameters.
type CreateInput struct {
	MonitoredItems     []string
	MaxDepth           *int
	QueueHighWaterMark *int
}

// sseStream is one attached SSE connection. frames carries encoded JSON
// bodies; done is closed when the stream must end (replacement or delete).
type sseStream struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sseStream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type subscription struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	monitored map[string]struct{}
	maxDepth  int
	highWater int
	queue     []store.ObjectValue
	sse       *sseStream
}

func (s *subscription) info() Info {
	items := make([]string, 0, len(s.monitored))
	for id := range s.monitored {
		items = append(items, id)
	}
	return Info{
		SubscriptionID:     s.id,
		CreatedAt:          s.createdAt.UTC().Format(store.TimestampLayout),
		MonitoredItems:     items,
		MaxDepth:           s.maxDepth,
		QueueHighWaterMark: s.highWater,
		PendingCount:       len(s.queue),
		Streaming:          s.sse != nil,
	}
}

// Manager owns every subscription. It implements the store's change-listener
// contract through Notify.
type Manager struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics
}

// NewManager constructs an empty manager. metrics may be nil.
func NewManager(logger *zap.Logger, metrics *telemetry.PipelineMetrics) *Manager {
	return &Manager{
		subs:    make(map[string]*subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Create registers a new subscription and returns its info.
func (m *Manager) Create(in CreateInput) Info {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	sub := &subscription{
		id:        id.String(),
		createdAt: time.Now(),
		monitored: make(map[string]struct{}, len(in.MonitoredItems)),
		highWater: DefaultHighWaterMark,
	}
	for _, item := range in.MonitoredItems {
		sub.monitored[item] = struct{}{}
	}
	if in.MaxDepth != nil {
		sub.maxDepth = *in.MaxDepth
	}
	if in.QueueHighWaterMark != nil && *in.QueueHighWaterMark > 0 {
		sub.highWater = *in.QueueHighWaterMark
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	m.mu.Unlock()

	m.logger.Info("subscription created",
		zap.String("subscription_id", sub.id),
		zap.Int("monitored_items", len(sub.monitored)),
		zap.Int("queue_high_water_mark", sub.highWater),
	)
	return sub.snapshot()
}

func (s *subscription) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info()
}

// Get returns the info for id.
func (m *Manager) Get(id string) (Info, error) {
	sub, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return sub.snapshot(), nil
}

// List returns every subscription's info.
func (m *Manager) List() []Info {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.snapshot())
	}
	return out
}

// Delete removes the subscription, ends any attached SSE stream and drops
// the pending queue.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sub.mu.Lock()
	if sub.sse != nil {
		sub.sse.close()
		sub.sse = nil
	}
	sub.queue = nil
	sub.mu.Unlock()

	m.logger.Info("subscription deleted", zap.String("subscription_id", id))
	return nil
}

// Register adds elementIds to the monitored set.
func (m *Manager) Register(id string, elementIDs []string) (Info, error) {
	sub, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, e := range elementIDs {
		sub.monitored[e] = struct{}{}
	}
	return sub.info(), nil
}

// Unregister removes elementIds from the monitored set.
func (m *Manager) Unregister(id string, elementIDs []string) (Info, error) {
	sub, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, e := range elementIDs {
		delete(sub.monitored, e)
	}
	return sub.info(), nil
}

// Sync atomically drains and returns the pending queue.
func (m *Manager) Sync(id string) ([]store.ObjectValue, error) {
	sub, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	drained := sub.queue
	sub.queue = nil
	return drained, nil
}

func (m *Manager) lookup(id string) (*subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub, nil
}

// ── change fanout ─────────────────────────────────────────────────────────

// Listener adapts the manager to the store's ChangeListener signature.
func (m *Manager) Listener() store.ChangeListener {
	return func(elementID string, value store.ObjectValue, _ *store.ObjectInstance) {
		m.Notify(elementID, value)
	}
}

// Notify enqueues value on every subscription monitoring elementID, evicting
// the oldest entry at the high-water mark, and offers one SSE frame to an
// attached stream. A stream that cannot take the frame keeps it only in the
// queue; Sync recovers it.
func (m *Manager) Notify(elementID string, value store.ObjectValue) {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var frame []byte
	for _, sub := range subs {
		sub.mu.Lock()
		if _, watched := sub.monitored[elementID]; !watched {
			sub.mu.Unlock()
			continue
		}
		if len(sub.queue) >= sub.highWater {
			// Drop-oldest: under overload recency wins.
			sub.queue = sub.queue[1:]
		}
		sub.queue = append(sub.queue, value)
		stream := sub.sse
		sub.mu.Unlock()

		if stream == nil {
			continue
		}
		if frame == nil {
			frame = encodeFrame(elementID, value)
		}
		select {
		case stream.frames <- frame:
		default:
			if m.metrics != nil {
				m.metrics.SSEDropped.Add(context.Background(), 1)
			}
			m.logger.Debug("sse frame abandoned, client too slow",
				zap.String("subscription_id", sub.id),
				zap.String("element_id", elementID),
			)
		}
	}
}

// encodeFrame renders the SSE data body: a one-element array holding
// { <elementId>: { data: [ {value, quality, timestamp} ] } }. Missing quality
// defaults to "Good" on the SSE wire only.
func encodeFrame(elementID string, value store.ObjectValue) []byte {
	quality := value.Quality
	if quality == "" {
		quality = store.QualityGood
	}
	body, err := json.Marshal([]map[string]any{{
		elementID: map[string]any{
			"data": []map[string]any{{
				"value":     value.Value,
				"quality":   quality,
				"timestamp": value.Timestamp,
			}},
		},
	}})
	if err != nil {
		// Value variants always marshal; keep the stream alive regardless.
		return []byte("[]")
	}
	return body
}

// ── SSE attachment ────────────────────────────────────────────────────────

// AttachSSE binds a new SSE stream to the subscription, ending any previous
// stream. The caller consumes frames until either channel closes, then calls
// detach.
func (m *Manager) AttachSSE(id string) (frames <-chan []byte, done <-chan struct{}, detach func(), err error) {
	sub, err := m.lookup(id)
	if err != nil {
		return nil, nil, nil, err
	}

	stream := &sseStream{
		frames: make(chan []byte, sseBuffer),
		done:   make(chan struct{}),
	}

	sub.mu.Lock()
	if sub.sse != nil {
		// Only one SSE connection per subscription; the newcomer wins.
		sub.sse.close()
	}
	sub.sse = stream
	sub.mu.Unlock()

	m.logger.Info("sse stream attached", zap.String("subscription_id", id))

	detach = func() {
		sub.mu.Lock()
		if sub.sse == stream {
			sub.sse = nil
		}
		sub.mu.Unlock()
		stream.close()
		m.logger.Info("sse stream detached", zap.String("subscription_id", id))
	}
	return stream.frames, stream.done, detach, nil
}

// CloseAll ends every attached SSE stream; used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.sse != nil {
			sub.sse.close()
			sub.sse = nil
		}
		sub.mu.Unlock()
	}
}
