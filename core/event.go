package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventRunQueued         EventType = "run.queued"
	EventRunStarted        EventType = "run.started"
	EventRunFinished       EventType = "run.finished"
	EventStageCompleted    EventType = "stage.completed"
	EventCostEstimated     EventType = "cost.estimated"
	EventBreakerTransition EventType = "breaker.transition"
)

// Event is an immutable telemetry record consumed by analytics and billing.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Cost      *CostEstimate  `json:"cost,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event of type t stamped with the scope carried by ctx.
func NewEvent(ctx context.Context, t EventType) Event {
	scope := ScopeFrom(ctx)
	return Event{
		ID:        NewID(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		TenantID:  scope.TenantID,
		ThreadID:  scope.ThreadID,
		RunID:     scope.RunID,
		Stage:     scope.Stage,
	}
}

// EventSink receives events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// NoOpSink discards events.
type NoOpSink struct{}

// Publish implements EventSink.
func (NoOpSink) Publish(Event) {}

// ChannelSink exposes events as a buffered stream. When the buffer is full
// new events are dropped and counted instead of blocking the publisher.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Publish implements EventSink.
func (s *ChannelSink) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the stream.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// Close closes the stream. Later publishes are ignored.
func (s *ChannelSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// Scope identifies the run and stage an operation belongs to.
type Scope struct {
	TenantID string
	ThreadID string
	RunID    string
	Stage    string
}

type scopeKey struct{}

// WithScope returns a context carrying scope.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope carried by ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
