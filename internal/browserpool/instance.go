// Package browserpool implements the browser instance (C5) and browser
// pool (C6) components: a bounded set of long-lived browser subprocesses
// with acquire/release, health checking, and crash recovery.
//
// This generalizes the teacher's single pool.go (internal/browser) to a
// sessionId-keyed acquire with a FIFO wait queue and a per-entry state
// machine instead of a channel of bare *rod.Browser values.
package browserpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rorqualx/browserfleet/internal/driver"
)

// State is a BrowserInstance's position in its lifecycle state machine:
// launching → idle ⇄ active → draining → terminated.
type State string

const (
	StateLaunching State = "launching"
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateDraining  State = "draining"
	StateTerminated State = "terminated"
)

// Instance is the C5 BrowserInstance: one driver.Browser plus the
// counters and state the pool needs to manage it. All mutation goes
// through the owning Pool, which holds the Instance's mu before touching these
// fields, per the session→browser→context→page lock order.
type Instance struct {
	ID                string
	CreatedAt         time.Time
	MaxPages          int
	LaunchOptions     driver.LaunchOptions

	mu                sync.Mutex
	browser           driver.Browser
	state             State
	currentSessionID  string
	pageCount         int
	healthy           bool
	lastHealthCheckAt time.Time
	consecutiveBad    int
	errorCount        int64
	totalPagesCreated int64
	lastActivityAt    time.Time
}

// Snapshot is a read-only copy of an Instance's observable state, safe to
// hand to the scaler/health monitor/status endpoints without holding the
// entry lock.
type Snapshot struct {
	ID                string
	CreatedAt         time.Time
	PageCount         int
	MaxPages          int
	State             State
	CurrentSessionID  string
	Healthy           bool
	LastHealthCheckAt time.Time
	ErrorCount        int64
	TotalPagesCreated int64
	LastActivityAt    time.Time
}

func (i *Instance) snapshot() Snapshot {
	return Snapshot{
		ID:                i.ID,
		CreatedAt:         i.CreatedAt,
		PageCount:         i.pageCount,
		MaxPages:          i.MaxPages,
		State:             i.state,
		CurrentSessionID:  i.currentSessionID,
		Healthy:           i.healthy,
		LastHealthCheckAt: i.lastHealthCheckAt,
		ErrorCount:        atomic.LoadInt64(&i.errorCount),
		TotalPagesCreated: atomic.LoadInt64(&i.totalPagesCreated),
		LastActivityAt:    i.lastActivityAt,
	}
}

// Snapshot returns a copy of the instance's current observable state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot()
}

func (i *Instance) recordError() {
	atomic.AddInt64(&i.errorCount, 1)
}
