// Package health implements the health monitor & recovery component
// (C12): a per-tick pass over every browser the pool's own health sweep
// has marked unhealthy, driving it through a fixed chain of recovery
// actions (soft reconnect → kill-and-relaunch → delete and reprovision),
// escalating after EscalateAfterFailures (default two) consecutive
// failures of the same stage (§4.9). The monitor does not probe browsers
// itself, and the chain is a fixed sequence, not a pluggable list.
//
// The chain-of-responsibility shape and its "two consecutive failures
// escalate" rule are grounded on the pool's own existing two-consecutive-
// bad-probe rule in browserpool.Pool.runHealthSweep, generalized from a
// single binary healthy/unhealthy flag into a staged recovery ladder.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/event"
)

// Stage is a link in the recovery chain.
type Stage int

const (
	StageReconnect Stage = iota
	StageRelaunch
	StageReprovision
)

func (s Stage) String() string {
	switch s {
	case StageReconnect:
		return "reconnect"
	case StageRelaunch:
		return "relaunch"
	case StageReprovision:
		return "reprovision"
	default:
		return "unknown"
	}
}

// Config parameterizes the monitor (§4.9).
type Config struct {
	TickInterval          time.Duration
	EscalateAfterFailures int
	DrainTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{TickInterval: time.Minute, EscalateAfterFailures: 2, DrainTimeout: 10 * time.Second}
}

type recoveryState struct {
	stage    Stage
	failures int
}

// Monitor is the C12 health monitor for one browser pool. The separate
// WebSocket-façade variant described in §4.9 (connection-turnover, memory,
// error-rate strategies) is an out-of-scope transport concern; this
// implements only the core's browser-pool instance of the pattern; there
// is no Strategy type for other health checks to plug into.
type Monitor struct {
	cfg  Config
	pool *browserpool.Pool
	clk  clock.Source
	bus  *event.Bus

	mu     sync.Mutex
	states map[string]*recoveryState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor against a live pool.
func New(cfg Config, pool *browserpool.Pool, clk clock.Source, bus *event.Bus) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{cfg: cfg, pool: pool, clk: clk, bus: bus, states: make(map[string]*recoveryState), stopCh: make(chan struct{})}
}

// Start runs the recovery tick loop until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop halts the recovery loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Tick drives one recovery step for every currently-unhealthy browser.
// Exposed directly so tests can drive it deterministically.
func (m *Monitor) Tick(ctx context.Context) {
	for _, snap := range m.pool.Snapshot() {
		if snap.Healthy {
			m.clearState(snap.ID)
			continue
		}
		m.recover(ctx, snap.ID)
	}
}

func (m *Monitor) stateFor(browserID string) *recoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[browserID]
	if !ok {
		st = &recoveryState{stage: StageReconnect}
		m.states[browserID] = st
	}
	return st
}

func (m *Monitor) clearState(browserID string) {
	m.mu.Lock()
	delete(m.states, browserID)
	m.mu.Unlock()
}

func (m *Monitor) escalate(st *recoveryState) {
	st.failures++
	if st.failures >= m.cfg.EscalateAfterFailures && st.stage < StageReprovision {
		st.stage++
		st.failures = 0
	}
}

func (m *Monitor) recover(ctx context.Context, browserID string) {
	st := m.stateFor(browserID)

	switch st.stage {
	case StageReconnect:
		ok, err := m.pool.Reconnect(ctx, browserID)
		if err != nil {
			m.clearState(browserID) // browser is gone entirely, nothing left to recover
			return
		}
		if ok {
			m.recovered(browserID, StageReconnect)
			return
		}
		m.escalate(st)

	case StageRelaunch:
		if err := m.pool.Relaunch(ctx, browserID); err != nil {
			log.Debug().Err(err).Str("browser_id", browserID).Msg("health: relaunch attempt failed")
			m.escalate(st)
			return
		}
		m.recovered(browserID, StageRelaunch)

	case StageReprovision:
		if err := m.pool.Drain(ctx, browserID, m.cfg.DrainTimeout); err != nil {
			log.Warn().Err(err).Str("browser_id", browserID).Msg("health: reprovision drain failed")
		}
		if _, err := m.pool.LaunchOne(ctx); err != nil {
			log.Warn().Err(err).Msg("health: reprovision relaunch failed")
		}
		m.clearState(browserID)
		m.bus.Publish(event.Event{Type: event.TypeBrowserRecovered, Fields: map[string]any{
			"browser_id": browserID, "stage": StageReprovision.String(),
		}})
	}
}

func (m *Monitor) recovered(browserID string, stage Stage) {
	m.clearState(browserID)
	m.bus.Publish(event.Event{Type: event.TypeBrowserRecovered, Fields: map[string]any{
		"browser_id": browserID, "stage": stage.String(),
	}})
}
