// Package events carries operator signals out of the engine: run
// lifecycle, per-instruction progress, conflicts and the identity
// mismatch warning.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	RunStarted       Type = "run_started"
	RunFinished      Type = "run_finished"
	Progress         Type = "progress"
	Conflict         Type = "conflict"
	IdentityMismatch Type = "identity_mismatch"
)

// Event is one signal. Fields not meaningful for a Type stay zero.
type Event struct {
	Type  Type      `json:"type"`
	Root  string    `json:"root"`
	RunID string    `json:"run_id,omitempty"`
	Time  time.Time `json:"time"`

	// Progress and Conflict
	Path   string `json:"path,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
	Done   int    `json:"done,omitempty"`
	Total  int    `json:"total,omitempty"`

	// RunFinished: final state. Conflict: the conflict copy path.
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Multi publishes to each sink in order.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// LogSink writes events to a logger. Identity mismatches are errors,
// failed progress is a warning and the rest is debug or info.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (l LogSink) Publish(e Event) {
	attrs := []any{
		slog.String("event", string(e.Type)),
		slog.String("root", e.Root),
	}

	if e.RunID != "" {
		attrs = append(attrs, slog.String("run_id", e.RunID))
	}

	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}

	if e.Kind != "" {
		attrs = append(attrs, slog.String("kind", e.Kind))
	}

	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	switch {
	case e.Type == IdentityMismatch:
		l.Logger.Error("accounts appear to be sharing a sync folder; sync blocked", attrs...)
	case e.Type == Progress && e.Status == "failed":
		l.Logger.Warn("instruction failed", attrs...)
	case e.Type == Progress:
		attrs = append(attrs, slog.String("status", e.Status), slog.Int("done", e.Done), slog.Int("total", e.Total))
		l.Logger.Debug("instruction done", attrs...)
	case e.Type == Conflict:
		l.Logger.Warn("conflict: kept both versions", attrs...)
	default:
		l.Logger.Info(string(e.Type), attrs...)
	}
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never wait.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}

	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish implements Sink.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
