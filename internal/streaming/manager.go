// Package streaming fans request lifecycle events out to in-process
// subscribers and keeps a bounded per-request history for replay. When a
// Redis client is supplied, events are mirrored to a Redis Stream per
// request so external consumers and restarted processes can catch up.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// EventType labels one lifecycle event on a request's stream.
type EventType string

const (
	EventRequestSubmitted EventType = "REQUEST_SUBMITTED"
	EventTaskDispatched   EventType = "TASK_DISPATCHED"
	EventTaskAccepted     EventType = "TASK_ACCEPTED"
	EventTaskRejected     EventType = "TASK_REJECTED"
	EventTaskRequeued     EventType = "TASK_REQUEUED"
	EventTaskDuplicate    EventType = "TASK_DUPLICATE"
	EventTaskFailed       EventType = "TASK_FAILED"
	EventTaskCancelled    EventType = "TASK_CANCELLED"
	EventReportReady      EventType = "REPORT_READY"
	EventRequestCompleted EventType = "REQUEST_COMPLETED"
	EventRequestCancelled EventType = "REQUEST_CANCELLED"
)

// Event is one entry on a request's stream. Seq is assigned at publish time
// and increases strictly per request.
type Event struct {
	Seq       uint64         `json:"seq"`
	RequestID string         `json:"request_id"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Marshal returns the event as JSON for SSE frames and stream entries.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const (
	// DefaultHistory is the per-request ring capacity.
	DefaultHistory = 256

	redisStreamPrefix = "loom:events:"
	redisMaxLen       = 1024
	redisOpTimeout    = 2 * time.Second
)

// Manager provides per-request pub/sub with bounded replay.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	redis  *redis.Client
	logger *zap.Logger
}

// NewManager builds a manager. redisClient may be nil for in-memory only
// operation.
func NewManager(redisClient *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    DefaultHistory,
		redis:       redisClient,
		logger:      logger,
	}
}

// SetCapacity changes the per-request replay ring capacity. Rings created
// before the call keep their old size.
func (m *Manager) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.capacity = n
	m.mu.Unlock()
}

// Subscribe registers a buffered channel for the request's events. The
// caller must drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[requestID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(m.subscribers, requestID)
	}
}

// Publish assigns the next sequence number, records the event for replay and
// fans it out. Slow subscribers drop events rather than block the publisher.
func (m *Manager) Publish(requestID string, evt Event) {
	evt.RequestID = requestID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[requestID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[requestID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[requestID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	m.mirror(requestID, evt)
}

// ReplaySince returns recorded events with Seq > since. When the in-memory
// ring is gone (fresh process) it falls back to the Redis mirror.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.Lock()
	rg := m.history[requestID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.Unlock()
	if rg != nil {
		return out
	}
	return m.replayFromRedis(requestID, since)
}

// CloseStreams drops the request's history, closes its subscribers and
// deletes the Redis mirror. Call once the request record is evicted.
func (m *Manager) CloseStreams(requestID string) {
	m.mu.Lock()
	for ch := range m.subscribers[requestID] {
		close(ch)
		metrics.StreamSubscribers.Dec()
	}
	delete(m.subscribers, requestID)
	delete(m.history, requestID)
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := m.redis.Del(ctx, redisStreamPrefix+requestID).Err(); err != nil {
		m.logger.Warn("Failed to delete event stream",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (m *Manager) mirror(requestID string, evt Event) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	err := m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStreamPrefix + requestID,
		MaxLen: redisMaxLen,
		Approx: true,
		Values: map[string]any{"event": evt.Marshal()},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to redis",
			zap.String("request_id", requestID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err))
	}
}

func (m *Manager) replayFromRedis(requestID string, since uint64) []Event {
	if m.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	msgs, err := m.redis.XRange(ctx, redisStreamPrefix+requestID, "-", "+").Result()
	if err != nil {
		m.logger.Warn("Failed to replay event stream from redis",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil
	}
	var out []Event
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out
}

// ring is a fixed-capacity event buffer. Seq numbering starts at 1 so
// ReplaySince(id, 0) returns everything still buffered.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
