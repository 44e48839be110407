package audit

import (
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/event"
)

func TestRecorderPersistsAuditEvents(t *testing.T) {
	bus := event.New()
	fixed := time.Unix(0, 0)
	r := New(bus, func() time.Time { return fixed }, 10)
	t.Cleanup(r.Close)

	bus.Publish(event.Event{Type: event.TypeAuditDenied, Fields: map[string]any{"context_id": "c1"}})
	bus.Publish(event.Event{Type: event.TypeSessionCreated, Fields: map[string]any{"session_id": "s1"}})
	bus.Publish(event.Event{Type: event.TypeBreakerOpened, Fields: nil}) // not an audit type, should be ignored

	deadline := time.Now().Add(time.Second)
	for len(r.Tail()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	tail := r.Tail()
	if len(tail) != 2 {
		t.Fatalf("expected 2 persisted audit records, got %d: %+v", len(tail), tail)
	}
	if tail[0].Type != event.TypeAuditDenied || tail[1].Type != event.TypeSessionCreated {
		t.Fatalf("unexpected record order: %+v", tail)
	}
}

func TestRecorderTailIsBounded(t *testing.T) {
	bus := event.New()
	r := New(bus, time.Now, 3)
	t.Cleanup(r.Close)

	for i := 0; i < 10; i++ {
		bus.Publish(event.Event{Type: event.TypeSessionCreated, Fields: map[string]any{"i": i}})
	}

	deadline := time.Now().Add(time.Second)
	for len(r.Tail()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := len(r.Tail()); got != 3 {
		t.Fatalf("expected tail bounded to 3, got %d", got)
	}
}
