package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart             EventType = "start"
	EventStop              EventType = "stop"
	EventReconnect         EventType = "reconnect"
	EventGivenUp           EventType = "given_up"
	EventPlatformEnded     EventType = "platform_ended"
	EventVisibilityChanged EventType = "visibility_changed"
	EventVisibilityFailed  EventType = "visibility_failed"
)

// Event is one lifecycle transition of a stream.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	StreamID   string    `json:"stream_id"`
	UserID     string    `json:"user_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks from a single background worker so
// callers never block on sink I/O. Events are dropped when the queue is full.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

const defaultQueue = 256

func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{sinks: sinks, queue: make(chan Event, defaultQueue), timeout: 5 * time.Second}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Emit queues e. A nil Recorder discards everything.
func (r *Recorder) Emit(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	select {
	case r.queue <- e:
	default:
		slog.Warn("history queue full, dropping event", "type", e.Type, "stream_id", e.StreamID)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "type", e.Type, "stream_id", e.StreamID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains the queue and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// MemorySink keeps events in memory. Used in tests and the debug endpoint.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types lists the event types received for streamID in order.
func (m *MemorySink) Types(streamID string) []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventType
	for _, e := range m.events {
		if e.StreamID == streamID {
			out = append(out, e.Type)
		}
	}
	return out
}
