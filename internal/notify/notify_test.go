package notify

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan Event, 10)
	bus.Subscribe(EventSessionCompleted, func(e Event) { got <- e })

	bus.Notify("p1", Event{Type: EventSessionStarted})
	bus.Notify("p1", Event{Type: EventSessionCompleted, SessionID: "s1"})

	select {
	case e := <-got:
		assert.Equal(t, EventSessionCompleted, e.Type)
		assert.Equal(t, "p1", e.ProjectID)
		assert.Equal(t, "s1", e.SessionID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	var mu sync.Mutex
	var types []EventType
	done := make(chan struct{})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if len(types) == 2 {
			close(done)
		}
	})

	bus.Notify("p1", Event{Type: EventSessionStarted})
	bus.Notify("p1", Event{Type: EventSessionPaused})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventSessionStarted, EventSessionPaused}, types)
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.SubscribeAll(func(Event) { <-release })

	start := time.Now()
	for range 20 {
		bus.Notify("p1", Event{Type: EventSessionProgress})
	}
	assert.Less(t, time.Since(start), time.Second, "publishing must never block")
	assert.Positive(t, bus.Dropped())
	close(release)
}

func TestBus_RecoversSubscriberPanic(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan Event, 2)
	bus.SubscribeAll(func(e Event) {
		if e.Type == EventSessionError {
			panic("boom")
		}
		got <- e
	})

	bus.Notify("p1", Event{Type: EventSessionError})
	bus.Notify("p1", Event{Type: EventSessionCompleted})

	select {
	case e := <-got:
		assert.Equal(t, EventSessionCompleted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber died after panic")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan Event, 10)
	unsub := bus.Subscribe(EventSessionStarted, func(e Event) { got <- e })
	unsub()

	bus.Notify("p1", Event{Type: EventSessionStarted})
	select {
	case <-got:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogSink{Logger: logger}.Notify("p1", Event{
		Type:      EventAutoContinueStopped,
		SessionID: "s9",
		Data:      map[string]any{"reason": "max_iterations_reached"},
	})

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "event=auto_continue_stopped")
	assert.Contains(t, out, "project_id=p1")
	assert.Contains(t, out, "session_id=s9")
	assert.Contains(t, out, "reason=max_iterations_reached")
}

func TestMulti(t *testing.T) {
	var a, b bytes.Buffer
	sink := Multi{
		LogSink{Logger: slog.New(slog.NewTextHandler(&a, nil))},
		Nop{},
		LogSink{Logger: slog.New(slog.NewTextHandler(&b, nil))},
	}
	sink.Notify("p1", Event{Type: EventSessionStarted})
	assert.Contains(t, a.String(), "session_started")
	assert.Contains(t, b.String(), "session_started")
}
