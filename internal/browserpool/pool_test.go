package browserpool

import (
	"context"
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *driver.Fake) {
	t.Helper()
	fake := driver.NewFake()
	bus := event.New()
	clk := clock.NewSystem()
	p, err := New(context.Background(), cfg, fake, clk, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, fake
}

func TestAcquireStickySession(t *testing.T) {
	p, _ := newTestPool(t, Config{MinBrowsers: 1, MaxBrowsers: 2, MaxPagesPerBrowser: 5, AcquireTimeout: time.Second})

	first, err := p.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release(context.Background(), first.ID, "s1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := p.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected sticky reuse of %s, got %s", first.ID, second.ID)
	}
}

func TestAcquireSaturationReturnsResourceExhausted(t *testing.T) {
	p, _ := newTestPool(t, Config{MinBrowsers: 0, MaxBrowsers: 1, MaxPagesPerBrowser: 5, AcquireTimeout: 100 * time.Millisecond})

	if _, err := p.Acquire(context.Background(), "s1"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	start := time.Now()
	_, err := p.Acquire(context.Background(), "s2")
	elapsed := time.Since(start)

	if corerr.CodeOf(err) != corerr.CodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Fatalf("expected acquire to honor AcquireTimeout, took %v", elapsed)
	}
}

func TestReleaseWrongSessionForbidden(t *testing.T) {
	p, _ := newTestPool(t, Config{MinBrowsers: 1, MaxBrowsers: 1, MaxPagesPerBrowser: 5, AcquireTimeout: time.Second})

	inst, err := p.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	err = p.Release(context.Background(), inst.ID, "someone-else")
	if corerr.CodeOf(err) != corerr.CodeForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestCreatePageEnforcesMaxPages(t *testing.T) {
	p, _ := newTestPool(t, Config{MinBrowsers: 1, MaxBrowsers: 1, MaxPagesPerBrowser: 1, AcquireTimeout: time.Second})

	inst, err := p.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := p.CreatePage(context.Background(), inst.ID, "s1", driver.PageOptions{}); err != nil {
		t.Fatalf("first CreatePage: %v", err)
	}

	if _, err := p.CreatePage(context.Background(), inst.ID, "s1", driver.PageOptions{}); corerr.CodeOf(err) != corerr.CodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted on second page, got %v", err)
	}

	p.ClosePage(inst.ID)
	if _, err := p.CreatePage(context.Background(), inst.ID, "s1", driver.PageOptions{}); err != nil {
		t.Fatalf("CreatePage after ClosePage: %v", err)
	}
}

func TestWakesQueuedWaiterOnRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{MinBrowsers: 1, MaxBrowsers: 1, MaxPagesPerBrowser: 5, AcquireTimeout: 2 * time.Second})

	first, err := p.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	resultCh := make(chan *Instance, 1)
	errCh := make(chan error, 1)
	go func() {
		inst, err := p.Acquire(context.Background(), "s2")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- inst
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Release(context.Background(), first.ID, "s1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case inst := <-resultCh:
		if inst.ID != first.ID {
			t.Fatalf("expected waiter to receive the released browser")
		}
	case err := <-errCh:
		t.Fatalf("expected waiter to succeed, got %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued acquire to be served")
	}
}

func TestHealthSweepMarksUnhealthyAfterTwoBadProbes(t *testing.T) {
	p, fake := newTestPool(t, Config{MinBrowsers: 1, MaxBrowsers: 1, MaxPagesPerBrowser: 5, HealthCheckInterval: time.Hour})
	browsers := fake.Browsers()
	if len(browsers) != 1 {
		t.Fatalf("expected 1 launched browser, got %d", len(browsers))
	}
	browsers[0].SetAlive(driver.ProbeDisconnected)

	p.runHealthSweep(time.Second)
	snap := p.Snapshot()[0]
	if !snap.Healthy {
		t.Fatal("one bad probe must not yet mark unhealthy")
	}

	p.runHealthSweep(time.Second)
	snap = p.Snapshot()[0]
	if snap.Healthy {
		t.Fatal("two consecutive bad probes should mark the browser unhealthy")
	}
}
