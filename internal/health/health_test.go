package health

import (
	"context"
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
)

func newTestPool(t *testing.T) (*browserpool.Pool, *driver.Fake, *clock.Fake, *event.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	bus := event.New()
	fd := driver.NewFake()
	cfg := browserpool.DefaultConfig()
	cfg.MinBrowsers = 1
	cfg.MaxBrowsers = 2
	cfg.HealthCheckInterval = time.Hour // disable the pool's own sweep during these tests
	pool, err := browserpool.New(context.Background(), cfg, fd, clk, bus)
	if err != nil {
		t.Fatalf("browserpool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool, fd, clk, bus
}

func TestReconnectRecoversWithoutEscalating(t *testing.T) {
	pool, fd, clk, bus := newTestPool(t)
	cfg := DefaultConfig()
	cfg.EscalateAfterFailures = 2
	m := New(cfg, pool, clk, bus)

	snap := pool.Snapshot()[0]
	fd.Browsers()[0].SetAlive(driver.ProbeUnresponsive)
	pool.MarkUnhealthy(snap.ID)

	fd.Browsers()[0].SetAlive(driver.ProbeHealthy)
	m.Tick(context.Background())

	st := m.stateFor(snap.ID)
	if st.stage != StageReconnect || st.failures != 0 {
		t.Fatalf("expected reconnect to clear recovery state, got %+v", st)
	}
}

func TestEscalatesToRelaunchAfterRepeatedReconnectFailure(t *testing.T) {
	pool, fd, clk, bus := newTestPool(t)
	cfg := DefaultConfig()
	cfg.EscalateAfterFailures = 2
	m := New(cfg, pool, clk, bus)

	snap := pool.Snapshot()[0]
	fd.Browsers()[0].SetAlive(driver.ProbeUnresponsive)
	pool.MarkUnhealthy(snap.ID)

	m.Tick(context.Background())
	m.Tick(context.Background())

	st := m.stateFor(snap.ID)
	if st.stage != StageRelaunch {
		t.Fatalf("expected escalation to relaunch after repeated reconnect failure, got stage %v", st.stage)
	}
}

func TestHealthyBrowserClearsRecoveryState(t *testing.T) {
	pool, fd, clk, bus := newTestPool(t)
	m := New(DefaultConfig(), pool, clk, bus)

	snap := pool.Snapshot()[0]
	fd.Browsers()[0].SetAlive(driver.ProbeUnresponsive)
	pool.MarkUnhealthy(snap.ID)
	m.Tick(context.Background())

	fd.Browsers()[0].SetAlive(driver.ProbeHealthy)
	pool.Snapshot() // no-op read, keeps symmetry with production call sites
	// simulate the pool's own sweep having cleared the flag
	if ok, err := pool.Reconnect(context.Background(), snap.ID); err != nil || !ok {
		t.Fatalf("Reconnect: ok=%v err=%v", ok, err)
	}

	m.Tick(context.Background())
	m.mu.Lock()
	_, tracked := m.states[snap.ID]
	m.mu.Unlock()
	if tracked {
		t.Fatalf("expected no tracked recovery state once the browser reports healthy")
	}
}
