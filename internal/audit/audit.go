// Package audit implements the audit trail (§7): the observer that
// persists the security-relevant events published on the event bus (C2) —
// session creation, destruction and expiry, ownership violations, and
// context/page/browser creation & destruction. Authentication outcomes and
// config changes are not published as events, so they are not recorded
// here. The core never reads back past audit records; Recorder
// is a write-only sink plus a small bounded tail for introspection.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/event"
)

// Record is one persisted audit entry.
type Record struct {
	Type       event.Type
	Fields     map[string]any
	RecordedAt time.Time
}

// auditTypes is every event type §7 calls security-relevant.
var auditTypes = []event.Type{
	event.TypeSessionCreated,
	event.TypeSessionDestroyed,
	event.TypeSessionExpired,
	event.TypeContextCreated,
	event.TypeContextClosed,
	event.TypePageCreated,
	event.TypePageClosed,
	event.TypeBrowserLaunched,
	event.TypeBrowserRecycled,
	event.TypeAuditDenied,
}

// Recorder subscribes to the bus and persists every security-relevant
// event through its persist method (a zerolog line plus an in-memory
// tail). The sink is not a configurable field; a durable store replaces
// Recorder as a bus subscriber without touching the publishing components.
type Recorder struct {
	sub *event.Subscription
	clk clockNow

	mu       sync.Mutex
	tail     []Record
	tailCap  int

	stopped chan struct{}
}

// clockNow avoids importing the full clock.Source interface here just for
// a timestamp; audit persistence is a side observer, not core logic.
type clockNow func() time.Time

// New subscribes to every audit-relevant event type and starts the
// persistence loop. tailCap bounds the in-memory ring kept for
// introspection (e.g. a future status endpoint); it is not the durable
// store.
func New(bus *event.Bus, now clockNow, tailCap int) *Recorder {
	if tailCap <= 0 {
		tailCap = 1000
	}
	r := &Recorder{
		sub:     bus.Subscribe(auditTypes...),
		clk:     now,
		tailCap: tailCap,
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	for ev := range r.sub.Events() {
		rec := Record{Type: ev.Type, Fields: ev.Fields, RecordedAt: r.clk()}
		r.persist(rec)
	}
	close(r.stopped)
}

// persist is the default sink: structured log line plus a bounded tail.
// Swap this for a durable writer (file, database, log shipper) by
// wrapping Recorder or replacing this method's body in a fork — the
// event bus contract stays the same either way.
func (r *Recorder) persist(rec Record) {
	evt := log.Info().Str("audit_type", string(rec.Type)).Time("recorded_at", rec.RecordedAt)
	for k, v := range rec.Fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg("audit event")

	r.mu.Lock()
	r.tail = append(r.tail, rec)
	if len(r.tail) > r.tailCap {
		r.tail = r.tail[len(r.tail)-r.tailCap:]
	}
	r.mu.Unlock()
}

// Tail returns the most recently persisted records, oldest first.
func (r *Recorder) Tail() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.tail))
	copy(out, r.tail)
	return out
}

// Close stops the persistence loop and waits for it to drain.
func (r *Recorder) Close() {
	r.sub.Close()
	<-r.stopped
}
