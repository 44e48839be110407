package breaker

import (
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
)

func TestOpensOnThresholdNotBefore(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := New("page-creation", Config{ErrorThreshold: 10, ErrorWindow: time.Minute, OpenDuration: time.Minute, HalfOpenProbes: 1}, clk)

	for i := 0; i < 9; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d: unexpected rejection before threshold: %v", i, err)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("breaker tripped before threshold, state=%v", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("10th call should still be admitted: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 10th failure, got %v", b.State())
	}

	if err := b.Allow(); corerr.CodeOf(err) != corerr.CodeUnavailable {
		t.Fatalf("expected Unavailable once open, got %v", err)
	}
}

func TestHalfOpenAfterOpenDuration(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := New("acq", Config{ErrorThreshold: 1, ErrorWindow: time.Minute, OpenDuration: 10 * time.Second, HalfOpenProbes: 2}, clk)

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	clk.Advance(10 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after OpenDuration elapsed, got %v", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first half-open probe should be admitted: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second half-open probe should be admitted: %v", err)
	}
	if err := b.Allow(); corerr.CodeOf(err) != corerr.CodeUnavailable {
		t.Fatalf("third concurrent probe should be rejected, got %v", err)
	}
}

func TestHalfOpenSuccessesClose(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := New("acq", Config{ErrorThreshold: 1, ErrorWindow: time.Minute, OpenDuration: time.Second, HalfOpenProbes: 2}, clk)
	b.Allow()
	b.RecordFailure()
	clk.Advance(time.Second)

	b.Allow()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not yet close, got %v", b.State())
	}
	b.Allow()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after HalfOpenProbes successes, got %v", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := New("acq", Config{ErrorThreshold: 1, ErrorWindow: time.Minute, OpenDuration: time.Second, HalfOpenProbes: 2}, clk)
	b.Allow()
	b.RecordFailure()
	clk.Advance(time.Second)

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected reopen on half-open probe failure, got %v", b.State())
	}
}

func TestFallbackDoesNotCloseBreaker(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := New("acq", Config{ErrorThreshold: 1, ErrorWindow: time.Minute, OpenDuration: time.Minute, HalfOpenProbes: 1}, clk)
	b.Allow()
	b.RecordFailure()

	called := false
	err := b.Do(func() error { return nil }, func() error { called = true; return nil })
	if err != nil {
		t.Fatalf("fallback should have absorbed the error: %v", err)
	}
	if !called {
		t.Fatal("expected fallback to be invoked while open")
	}
	if b.State() != StateOpen {
		t.Fatalf("fallback success must not close the breaker, got %v", b.State())
	}
}
