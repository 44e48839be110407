// Package scaler implements the scaler & recycler (C11): a periodic
// policy tick that decides browser scale-up/down and recycle actions
// from a pool snapshot, then executes the plan cooperatively (§4.8).
//
// The tick-then-execute shape and the use of golang.org/x/time/rate to
// gate how bursty the scale-up signal is allowed to be are grounded on
// the teacher's pool.go health-check goroutine, generalized from a
// single fixed action (restart unhealthy browsers) into a full
// scale/recycle decision.
package scaler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/event"
)

// Config parameterizes the scale and recycle policies (§4.8).
type Config struct {
	TickInterval       time.Duration
	SmoothingSamples   int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	MaxScaleStep       int
	Cooldown           time.Duration
	MinBrowsers        int

	RecycleAfterPages  int64
	RecycleAfterAge    time.Duration
	RecycleAfterErrors int64
	DrainTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       30 * time.Second,
		SmoothingSamples:   5,
		ScaleUpThreshold:   0.75,
		ScaleDownThreshold: 0.25,
		MaxScaleStep:       2,
		Cooldown:           time.Minute,
		MinBrowsers:        1,
		RecycleAfterPages:  500,
		RecycleAfterAge:    2 * time.Hour,
		RecycleAfterErrors: 25,
		DrainTimeout:       10 * time.Second,
	}
}

// Plan is the decision a single tick produces; Tick's caller (or tests)
// can inspect it without waiting on the background loop.
type Plan struct {
	Utilization   float64
	ScaleUpBy     int
	DrainBrowsers []string
	RecycleBrowsers []string
}

// Scaler runs the C11 policy loop against a live pool.
type Scaler struct {
	cfg  Config
	pool *browserpool.Pool
	clk  clock.Source
	bus  *event.Bus

	burstLimiter *rate.Limiter

	mu           sync.Mutex
	samples      []float64
	lastScaleUp  time.Time
	lastScaleDn  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scaler. The burst limiter allows at most one scale-up
// request per Cooldown on average, with a small burst of 1, so a single
// noisy utilisation spike cannot trigger repeated scale-ups inside one
// cooldown window.
func New(cfg Config, pool *browserpool.Pool, clk clock.Source, bus *event.Bus) *Scaler {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scaler{
		cfg:          cfg,
		pool:         pool,
		clk:          clk,
		bus:          bus,
		burstLimiter: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		stopCh:       make(chan struct{}),
	}
}

// Start runs the policy tick loop until Stop is called.
func (s *Scaler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the policy loop.
func (s *Scaler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Tick computes a Plan from the pool's current snapshot and executes it.
// Exposed directly so tests can drive one tick deterministically.
func (s *Scaler) Tick(ctx context.Context) Plan {
	snapshot := s.pool.Snapshot()
	plan := s.decide(snapshot)
	s.execute(ctx, plan)
	return plan
}

func (s *Scaler) decide(snapshot []browserpool.Snapshot) Plan {
	total := len(snapshot)
	active := 0
	for _, b := range snapshot {
		if b.State == browserpool.StateActive {
			active++
		}
	}

	util := 0.0
	if total > 0 {
		util = float64(active) / float64(total)
	}

	s.mu.Lock()
	s.samples = append(s.samples, util)
	if len(s.samples) > s.cfg.SmoothingSamples {
		s.samples = s.samples[len(s.samples)-s.cfg.SmoothingSamples:]
	}
	sum := 0.0
	for _, v := range s.samples {
		sum += v
	}
	smoothed := sum / float64(len(s.samples))
	now := s.clk.Now()
	canScaleUp := now.Sub(s.lastScaleUp) >= s.cfg.Cooldown
	canScaleDn := now.Sub(s.lastScaleDn) >= s.cfg.Cooldown
	s.mu.Unlock()

	// floor is how many browsers may still leave the pool this tick
	// without dropping it below MinBrowsers (§4.8, Invariant 5:
	// "minBrowsers ≤ pool.size ≤ maxBrowsers whenever the pool is in
	// steady state"). Scale-down and recycle share this budget since both
	// remove a browser from the pool via Drain.
	floor := total - s.cfg.MinBrowsers
	if floor < 0 {
		floor = 0
	}

	var plan Plan
	plan.Utilization = smoothed

	if smoothed > s.cfg.ScaleUpThreshold && canScaleUp && s.burstLimiter.Allow() {
		plan.ScaleUpBy = s.cfg.MaxScaleStep
	} else if smoothed < s.cfg.ScaleDownThreshold && canScaleDn && floor > 0 {
		idle := make([]browserpool.Snapshot, 0, total)
		for _, b := range snapshot {
			if b.State == browserpool.StateIdle {
				idle = append(idle, b)
			}
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].CreatedAt.Before(idle[j].CreatedAt) })
		k := s.cfg.MaxScaleStep
		if k > len(idle) {
			k = len(idle)
		}
		if k > floor {
			k = floor
		}
		for i := 0; i < k; i++ {
			plan.DrainBrowsers = append(plan.DrainBrowsers, idle[i].ID)
		}
		floor -= k
	}

	plan.RecycleBrowsers = s.recycleCandidates(snapshot, floor)
	return plan
}

// recycleCandidates sorts by urgency (worst offender first) per §4.8 and
// caps the result at budget entries so recycling never drains the pool
// below MinBrowsers (§4.8, Invariant 5), accounting for whatever the
// scale-down decision already spent from the same floor this tick.
func (s *Scaler) recycleCandidates(snapshot []browserpool.Snapshot, budget int) []string {
	type scored struct {
		id    string
		score float64
	}
	now := s.clk.Now()
	var candidates []scored
	for _, b := range snapshot {
		if b.State != browserpool.StateIdle {
			continue // never preempt an active session (§4.8)
		}
		age := now.Sub(b.CreatedAt)
		urgent := b.TotalPagesCreated > s.cfg.RecycleAfterPages ||
			age > s.cfg.RecycleAfterAge ||
			b.ErrorCount > s.cfg.RecycleAfterErrors ||
			!b.Healthy
		if !urgent {
			continue
		}
		score := float64(b.TotalPagesCreated)/float64(maxInt64(s.cfg.RecycleAfterPages, 1)) +
			age.Seconds()/s.cfg.RecycleAfterAge.Seconds() +
			float64(b.ErrorCount)/float64(maxInt64(s.cfg.RecycleAfterErrors, 1))
		if !b.Healthy {
			score += 10
		}
		candidates = append(candidates, scored{id: b.ID, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if budget < 0 {
		budget = 0
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

func maxInt64(a int64, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *Scaler) execute(ctx context.Context, plan Plan) {
	if plan.ScaleUpBy > 0 {
		s.mu.Lock()
		s.lastScaleUp = s.clk.Now()
		s.mu.Unlock()
		for i := 0; i < plan.ScaleUpBy; i++ {
			if _, err := s.pool.LaunchOne(ctx); err != nil {
				log.Warn().Err(err).Msg("scaler: scale-up launch failed")
				break
			}
		}
		s.bus.Publish(event.Event{Type: event.TypeScalePlanned, Fields: map[string]any{
			"direction": "up", "by": plan.ScaleUpBy, "utilization": plan.Utilization,
		}})
	}

	for _, id := range plan.DrainBrowsers {
		if err := s.pool.Drain(ctx, id, s.cfg.DrainTimeout); err != nil {
			log.Debug().Err(err).Str("browser_id", id).Msg("scaler: scale-down drain skipped")
			continue
		}
		s.mu.Lock()
		s.lastScaleDn = s.clk.Now()
		s.mu.Unlock()
	}

	for _, id := range plan.RecycleBrowsers {
		if err := s.pool.Drain(ctx, id, s.cfg.DrainTimeout); err != nil {
			log.Debug().Err(err).Str("browser_id", id).Msg("scaler: recycle drain skipped")
		}
	}
}
