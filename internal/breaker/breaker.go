// Package breaker implements the per-operation circuit breaker (C7) that
// guards browser acquisition and page creation against cascading failure.
package breaker

import (
	"sync"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config parameterizes a Breaker.
type Config struct {
	// ErrorThreshold is the failure count within ErrorWindow that trips
	// the breaker from closed to open. Per spec, the threshold-th failure
	// trips it, not the (threshold-1)-th.
	ErrorThreshold int
	ErrorWindow    time.Duration
	OpenDuration   time.Duration
	HalfOpenProbes int
}

// DefaultConfig returns sane defaults for a page-creation or
// acquisition-class breaker.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 10,
		ErrorWindow:    30 * time.Second,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 3,
	}
}

// Breaker is a single named circuit breaker. It holds no reference to the
// operation it protects; callers wrap their own call with Allow/Record.
type Breaker struct {
	name string
	cfg  Config
	clk  clock.Source

	mu               sync.Mutex
	state            State
	failures         []time.Time // timestamps within the current window, closed state only
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
	halfOpenFailure  int
}

// New builds a Breaker keyed by name (e.g. "browser-acquisition",
// "page-creation").
func New(name string, cfg Config, clk clock.Source) *Breaker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultConfig().ErrorThreshold
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = DefaultConfig().HalfOpenProbes
	}
	return &Breaker{name: name, cfg: cfg, clk: clk, state: StateClosed}
}

// State returns the breaker's current state, transitioning open → half-open
// as a side effect if OpenDuration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()
	return b.state
}

// maybeTransitionToHalfOpen must be called with b.mu held.
func (b *Breaker) maybeTransitionToHalfOpen() {
	if b.state == StateOpen && b.clk.Now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
		b.halfOpenFailure = 0
	}
}

// Allow decides whether a call may proceed. It returns a *corerr.Error with
// CodeUnavailable when the breaker is open. In half-open state it admits
// at most HalfOpenProbes concurrent calls and rejects the rest.
func (b *Breaker) Allow() (*corerr.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()

	switch b.state {
	case StateOpen:
		return corerr.New(corerr.CodeUnavailable, "breaker."+b.name, "circuit breaker %s is open", b.name)
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenProbes {
			return corerr.New(corerr.CodeUnavailable, "breaker."+b.name, "circuit breaker %s is half-open and at probe capacity", b.name)
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful call guarded by Allow.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.failures = nil
		}
	case StateClosed:
		// A trailing success does not erase counted failures within the
		// window; the window itself ages them out.
	}
}

// RecordFailure reports a failed call guarded by Allow.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.halfOpenFailure++
		b.trip(now)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneWindow(now)
		if len(b.failures) >= b.cfg.ErrorThreshold {
			b.trip(now)
		}
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
}

// pruneWindow must be called with b.mu held.
func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.ErrorWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// Do runs fn if Allow permits it, recording the outcome. If fn returns an
// error Do records a failure and returns the error; otherwise it records
// a success. When the breaker rejects the call, fallback (if non-nil) is
// invoked instead of short-circuiting — its success never closes the
// breaker, matching the spec's fallback semantics.
func (b *Breaker) Do(fn func() error, fallback func() error) error {
	if err := b.Allow(); err != nil {
		if fallback != nil {
			return fallback()
		}
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
