package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventSessionProgress     EventType = "session_progress"
	EventSessionCompleted    EventType = "session_completed"
	EventSessionError        EventType = "session_error"
	EventSessionInterrupted  EventType = "session_interrupted"
	EventSessionPaused       EventType = "session_paused"
	EventSessionResumed      EventType = "session_resumed"
	EventSessionReaped       EventType = "session_reaped"
	EventRecoveryAttempted   EventType = "recovery_attempted"
	EventAutoContinueDelay   EventType = "auto_continue_delay"
	EventAutoContinueStopped EventType = "auto_continue_stopped"
	EventQualityCheck        EventType = "quality_check"
	EventDeepReviewCompleted EventType = "deep_review_completed"
	EventProjectReset        EventType = "project_reset"
)

// Event is one notification about a project's sessions.
type Event struct {
	Type      EventType
	ProjectID string
	SessionID string
	Timestamp time.Time
	Data      map[string]any
}

// Sink receives events. Implementations must not block and must not fail
// the caller; delivery is best-effort.
type Sink interface {
	Notify(projectID string, e Event)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(string, Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(projectID string, e Event) {
	for _, s := range m {
		s.Notify(projectID, e)
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (l LogSink) Notify(projectID string, e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Type {
	case EventSessionProgress:
		level = slog.LevelDebug
	case EventSessionError:
		level = slog.LevelWarn
	}
	attrs := []any{"event", string(e.Type), "project_id", projectID}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	logger.Log(context.Background(), level, "lifecycle event", attrs...)
}

// Subscriber receives events delivered by a Bus.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fan-out. Each subscriber gets a
// buffered channel; when it is full the event is dropped for that
// subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
	logger      *slog.Logger
	dropped     int64
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = remove(b.subscribers[eventType], ch)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.all = append(b.all, ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
}

func (b *Bus) start(fn Subscriber) chan Event {
	ch := make(chan Event, b.bufferSize)
	go func() {
		for e := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event subscriber panicked", "event", e.Type, "panic", r)
					}
				}()
				fn(e)
			}()
		}
	}()
	return ch
}

// remove drops ch from subs and closes it.
func remove(subs []chan Event, ch chan Event) []chan Event {
	for i, c := range subs {
		if c == ch {
			close(ch)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Notify implements Sink by publishing e.
func (b *Bus) Notify(projectID string, e Event) {
	e.ProjectID = projectID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers[e.Type] {
		b.send(ch, e)
	}
	for _, ch := range b.all {
		b.send(ch, e)
	}
}

func (b *Bus) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		b.dropped++
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	for _, ch := range b.all {
		close(ch)
	}
	b.all = nil
}
