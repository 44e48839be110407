package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
)

func newTestPool(t *testing.T, min, max int) (*browserpool.Pool, *clock.Fake, *event.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	bus := event.New()
	fd := driver.NewFake()
	cfg := browserpool.DefaultConfig()
	cfg.MinBrowsers = min
	cfg.MaxBrowsers = max
	pool, err := browserpool.New(context.Background(), cfg, fd, clk, bus)
	if err != nil {
		t.Fatalf("browserpool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool, clk, bus
}

func TestDecideScalesUpUnderHighUtilization(t *testing.T) {
	pool, clk, bus := newTestPool(t, 2, 4)
	cfg := DefaultConfig()
	cfg.SmoothingSamples = 1
	s := New(cfg, pool, clk, bus)

	if _, err := pool.Acquire(context.Background(), "s1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(context.Background(), "s2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	plan := s.decide(pool.Snapshot())
	if plan.ScaleUpBy == 0 {
		t.Fatalf("expected scale-up decision at full utilization, got %+v", plan)
	}
}

func TestDecideNeverDrainsActiveBrowsers(t *testing.T) {
	pool, clk, bus := newTestPool(t, 2, 4)
	cfg := DefaultConfig()
	cfg.SmoothingSamples = 1
	s := New(cfg, pool, clk, bus)

	if _, err := pool.Acquire(context.Background(), "s1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	plan := s.decide(pool.Snapshot())
	for _, id := range plan.DrainBrowsers {
		for _, snap := range pool.Snapshot() {
			if snap.ID == id && snap.State == browserpool.StateActive {
				t.Fatalf("scaler must never select an active browser for drain")
			}
		}
	}
}

func TestScaleDownNeverDropsBelowMinBrowsers(t *testing.T) {
	pool, clk, bus := newTestPool(t, 2, 2)
	cfg := DefaultConfig()
	cfg.SmoothingSamples = 1
	cfg.MinBrowsers = 2
	cfg.MaxScaleStep = 5
	cfg.RecycleAfterErrors = 0
	s := New(cfg, pool, clk, bus)

	plan := s.decide(pool.Snapshot())
	total := len(pool.Snapshot())
	removed := len(plan.DrainBrowsers) + len(plan.RecycleBrowsers)
	if removed > total-cfg.MinBrowsers {
		t.Fatalf("scale-down+recycle must not drop pool below MinBrowsers, got plan %+v against total %d", plan, total)
	}
}

func TestRecycleCandidatesSkipActiveBrowsers(t *testing.T) {
	pool, clk, bus := newTestPool(t, 1, 2)
	cfg := DefaultConfig()
	cfg.RecycleAfterErrors = 0
	s := New(cfg, pool, clk, bus)

	inst, err := pool.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	candidates := s.recycleCandidates(pool.Snapshot(), len(pool.Snapshot()))
	for _, id := range candidates {
		if id == inst.ID {
			t.Fatalf("active browser %s must not be a recycle candidate", id)
		}
	}
}
