// Package clock provides the time and identifier source every other
// component depends on (C1). It exists so tests can inject a fake clock
// and a deterministic ID sequence instead of reaching for real wall time
// and real randomness, following the rule against lazy-init package
// globals: callers construct a Source explicitly and pass it down.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Source is the time and ID generator every component takes as a
// constructor argument rather than calling time.Now/uuid.New directly.
type Source interface {
	Now() time.Time
	NewID() string
}

// System is the production Source backed by the real wall clock and
// random (v4) UUIDs. IDs are deliberately random rather than time-ordered
// (v7) so that no identifier ever encodes information — such as creation
// order or approximate issue time — that a client could exploit.
type System struct{}

// NewSystem returns the production clock/ID source.
func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) NewID() string { return uuid.New().String() }

// Fake is a deterministic Source for tests: Now() returns a settable
// instant and NewID() returns ids in sequence from a fixed list, falling
// back to a counter-derived id once the list is exhausted.
type Fake struct {
	t    time.Time
	ids  []string
	next int
}

// NewFake builds a Fake clock starting at t, optionally seeded with a
// fixed sequence of IDs to hand out in order.
func NewFake(t time.Time, ids ...string) *Fake {
	return &Fake{t: t, ids: ids}
}

func (f *Fake) Now() time.Time { return f.t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) { f.t = t }

func (f *Fake) NewID() string {
	if f.next < len(f.ids) {
		id := f.ids[f.next]
		f.next++
		return id
	}
	f.next++
	return "fake-id-" + itoa(f.next)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
