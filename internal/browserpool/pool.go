package browserpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rorqualx/browserfleet/internal/breaker"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
)

// Config parameterizes the pool (§4.3).
type Config struct {
	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	AcquireQueueCap     int
	LaunchOptions       driver.LaunchOptions
}

// DefaultConfig returns sane defaults matching the teacher's pool-size-3
// defaults, generalized to a min/max range.
func DefaultConfig() Config {
	return Config{
		MinBrowsers:         1,
		MaxBrowsers:         3,
		MaxPagesPerBrowser:  10,
		IdleTimeout:         30 * time.Minute,
		HealthCheckInterval: time.Minute,
		AcquireTimeout:      10 * time.Second,
		AcquireQueueCap:     64,
	}
}

type waiter struct {
	sessionID string
	ch        chan acquireResult
}

type acquireResult struct {
	inst *Instance
	err  error
}

// Pool is the bounded set of Instances (C6). It owns every Instance
// exclusively; callers look up state through Acquire/Release/Snapshot
// rather than reaching into the map directly.
type Pool struct {
	cfg Config
	drv driver.Driver
	clk clock.Source
	bus *event.Bus

	acquireBreaker *breaker.Breaker
	pageBreaker    *breaker.Breaker

	mu             sync.Mutex
	browsers       map[string]*Instance
	sessionBrowser map[string]string
	waiters        []*waiter
	reclaimPressure bool

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	acquired atomic.Int64
	released atomic.Int64
	recycled atomic.Int64
	errorsN  atomic.Int64

	newID func() string
}

// New builds a pool and pre-warms it to MinBrowsers, mirroring the
// teacher's NewPool pre-warm behaviour but against a min/max range rather
// than one fixed size.
func New(ctx context.Context, cfg Config, drv driver.Driver, clk clock.Source, bus *event.Bus) (*Pool, error) {
	if cfg.MinBrowsers < 0 {
		cfg.MinBrowsers = 0
	}
	if cfg.MaxBrowsers < cfg.MinBrowsers {
		cfg.MaxBrowsers = cfg.MinBrowsers
	}

	p := &Pool{
		cfg:            cfg,
		drv:            drv,
		clk:            clk,
		bus:            bus,
		acquireBreaker: breaker.New("browser-acquisition", breaker.DefaultConfig(), clk),
		pageBreaker:    breaker.New("page-creation", breaker.DefaultConfig(), clk),
		browsers:       make(map[string]*Instance),
		sessionBrowser: make(map[string]string),
		stopCh:         make(chan struct{}),
		newID:          clk.NewID,
	}

	for i := 0; i < cfg.MinBrowsers; i++ {
		if _, err := p.launchLocked(ctx); err != nil {
			_ = p.Close(context.Background())
			return nil, corerr.Wrap(corerr.CodeInternal, "browserpool.New", err, "failed to pre-warm browser %d", i)
		}
	}

	p.wg.Add(1)
	go p.healthLoop()

	return p, nil
}

// launchLocked launches and registers a new Instance. It must NOT be
// called while holding p.mu — launching a subprocess is a suspension
// point and must never happen under the pool lock.
func (p *Pool) launchLocked(ctx context.Context) (*Instance, error) {
	b, err := p.drv.Launch(ctx, p.cfg.LaunchOptions)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:            p.newID(),
		CreatedAt:     p.clk.Now(),
		MaxPages:      p.cfg.MaxPagesPerBrowser,
		LaunchOptions: p.cfg.LaunchOptions,
		browser:       b,
		state:         StateIdle,
		healthy:       true,
		lastActivityAt: p.clk.Now(),
	}

	p.mu.Lock()
	p.browsers[inst.ID] = inst
	p.mu.Unlock()

	p.bus.Publish(event.Event{Type: event.TypeBrowserLaunched, Fields: map[string]any{"browser_id": inst.ID}})
	log.Info().Str("browser_id", inst.ID).Msg("browser launched and added to pool")
	return inst, nil
}

// Acquire obtains a browser for sessionId, per §4.3: sticky reuse, then an
// idle browser, then a fresh launch if under MaxBrowsers, then a bounded
// FIFO wait gated by AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Instance, error) {
	if p.closed.Load() {
		return nil, corerr.New(corerr.CodeUnavailable, "browserpool.Acquire", "pool is closed")
	}

	if inst := p.tryStickyOrIdle(sessionID); inst != nil {
		p.acquired.Add(1)
		return inst, nil
	}

	if err := p.acquireBreaker.Allow(); err != nil {
		// Breaker open: step 3 (launch) is skipped, but an idle browser may
		// still have appeared between the check above and here under
		// concurrent release, so try once more before giving up.
		if inst := p.tryStickyOrIdle(sessionID); inst != nil {
			p.acquired.Add(1)
			return inst, nil
		}
		return nil, err
	}

	p.mu.Lock()
	underCap := len(p.browsers) < p.cfg.MaxBrowsers
	p.mu.Unlock()

	if underCap {
		inst, err := p.launchLocked(ctx)
		if err != nil {
			p.acquireBreaker.RecordFailure()
			p.errorsN.Add(1)
			return nil, corerr.Wrap(corerr.CodeInternal, "browserpool.Acquire", err, "failed to launch browser")
		}
		p.acquireBreaker.RecordSuccess()
		p.bindSticky(inst, sessionID)
		p.acquired.Add(1)
		return inst, nil
	}
	p.acquireBreaker.RecordSuccess()

	return p.enqueueAndWait(ctx, sessionID)
}

// tryStickyOrIdle implements Acquire steps 1 and 2.
func (p *Pool) tryStickyOrIdle(sessionID string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bid, ok := p.sessionBrowser[sessionID]; ok {
		if inst, ok := p.browsers[bid]; ok {
			inst.mu.Lock()
			usable := (inst.state == StateActive || inst.state == StateIdle) && inst.healthy
			if usable {
				inst.state = StateActive
				inst.currentSessionID = sessionID
				inst.lastActivityAt = p.clk.Now()
			}
			inst.mu.Unlock()
			if usable {
				return inst
			}
		}
		delete(p.sessionBrowser, sessionID)
	}

	var best *Instance
	for _, inst := range p.browsers {
		inst.mu.Lock()
		isIdle := inst.state == StateIdle && inst.healthy
		inst.mu.Unlock()
		if !isIdle {
			continue
		}
		if best == nil {
			best = inst
			continue
		}
		best = p.preferred(best, inst)
	}
	if best == nil {
		return nil
	}

	best.mu.Lock()
	best.state = StateActive
	best.currentSessionID = sessionID
	best.lastActivityAt = p.clk.Now()
	best.mu.Unlock()
	p.sessionBrowser[sessionID] = best.ID
	return best
}

// preferred implements the tie-break rule: prefer the warmest browser
// normally, the oldest (likely leaked) browser under reclaim pressure.
func (p *Pool) preferred(a, b *Instance) *Instance {
	a.mu.Lock()
	aLast, aCreated := a.lastActivityAt, a.CreatedAt
	a.mu.Unlock()
	b.mu.Lock()
	bLast, bCreated := b.lastActivityAt, b.CreatedAt
	b.mu.Unlock()

	if p.reclaimPressure {
		if aCreated.Before(bCreated) {
			return a
		}
		return b
	}
	if aLast.After(bLast) {
		return a
	}
	return b
}

func (p *Pool) bindSticky(inst *Instance, sessionID string) {
	inst.mu.Lock()
	inst.state = StateActive
	inst.currentSessionID = sessionID
	inst.lastActivityAt = p.clk.Now()
	inst.mu.Unlock()

	p.mu.Lock()
	p.sessionBrowser[sessionID] = inst.ID
	p.mu.Unlock()
}

// SetReclaimPressure is called by the scaler when memory pressure should
// bias idle-browser selection toward the oldest (most likely leaked)
// instance instead of the warmest.
func (p *Pool) SetReclaimPressure(v bool) {
	p.mu.Lock()
	p.reclaimPressure = v
	p.mu.Unlock()
}

func (p *Pool) enqueueAndWait(ctx context.Context, sessionID string) (*Instance, error) {
	queueCap := p.cfg.AcquireQueueCap
	if queueCap <= 0 {
		queueCap = DefaultConfig().AcquireQueueCap
	}

	p.mu.Lock()
	if len(p.waiters) >= queueCap {
		p.mu.Unlock()
		return nil, corerr.New(corerr.CodeResourceExhausted, "browserpool.Acquire", "acquire queue is at capacity")
	}
	w := &waiter{sessionID: sessionID, ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		p.acquired.Add(1)
		return res.inst, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, corerr.New(corerr.CodeResourceExhausted, "browserpool.Acquire", "timed out waiting for a browser")
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, corerr.Wrap(corerr.CodeDeadlineExceeded, "browserpool.Acquire", ctx.Err(), "acquire canceled")
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// wakeOneWaiter must be called without p.mu held; it acquires it itself.
// The head waiter is served exactly once, per the FIFO wake-exactly-once
// rule in §5.
func (p *Pool) wakeOneWaiter() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()

	if inst := p.tryStickyOrIdle(w.sessionID); inst != nil {
		w.ch <- acquireResult{inst: inst}
		return
	}
	w.ch <- acquireResult{err: corerr.New(corerr.CodeResourceExhausted, "browserpool.Acquire", "no browser became available")}
}

// Release returns a browser to the idle pool. It fails with Forbidden if
// sessionID does not match the browser's current holder.
func (p *Pool) Release(ctx context.Context, browserID, sessionID string) error {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return corerr.New(corerr.CodeNotFound, "browserpool.Release", "browser %s not found", browserID)
	}

	inst.mu.Lock()
	if inst.currentSessionID != sessionID {
		inst.mu.Unlock()
		return corerr.New(corerr.CodeForbidden, "browserpool.Release", "session does not hold browser %s", browserID)
	}
	inst.state = StateIdle
	inst.currentSessionID = ""
	inst.lastActivityAt = p.clk.Now()
	inst.mu.Unlock()

	p.mu.Lock()
	delete(p.sessionBrowser, sessionID)
	p.mu.Unlock()

	p.released.Add(1)
	p.bus.Publish(event.Event{Type: event.TypeBrowserReleased, Fields: map[string]any{"browser_id": browserID, "session_id": sessionID}})

	p.wakeOneWaiter()
	return nil
}

// CreatePage allocates one more page slot on browserID, enforcing
// pageCount < maxPages and routing through the page-creation breaker.
func (p *Pool) CreatePage(ctx context.Context, browserID, sessionID string, opts driver.PageOptions) (driver.Page, error) {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return nil, corerr.New(corerr.CodeNotFound, "browserpool.CreatePage", "browser %s not found", browserID)
	}

	if err := p.pageBreaker.Allow(); err != nil {
		return nil, err
	}

	inst.mu.Lock()
	if inst.currentSessionID != sessionID {
		inst.mu.Unlock()
		p.pageBreaker.RecordFailure()
		return nil, corerr.New(corerr.CodeForbidden, "browserpool.CreatePage", "session does not hold browser %s", browserID)
	}
	if inst.pageCount >= inst.MaxPages {
		inst.mu.Unlock()
		p.pageBreaker.RecordFailure()
		return nil, corerr.New(corerr.CodeResourceExhausted, "browserpool.CreatePage", "browser %s is at max pages", browserID)
	}
	inst.pageCount++
	browser := inst.browser
	inst.mu.Unlock()

	page, err := browser.NewPage(ctx, opts)
	if err != nil {
		inst.mu.Lock()
		inst.pageCount--
		inst.recordError()
		inst.mu.Unlock()
		p.pageBreaker.RecordFailure()
		return nil, corerr.Wrap(corerr.CodeInternal, "browserpool.CreatePage", err, "driver failed to create page")
	}

	inst.mu.Lock()
	atomic.AddInt64(&inst.totalPagesCreated, 1)
	inst.lastActivityAt = p.clk.Now()
	inst.mu.Unlock()

	p.pageBreaker.RecordSuccess()
	return page, nil
}

// ClosePage decrements browserID's page count. Never goes negative.
func (p *Pool) ClosePage(browserID string) {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return
	}
	inst.mu.Lock()
	if inst.pageCount > 0 {
		inst.pageCount--
	}
	inst.mu.Unlock()
}

// Snapshot returns the current Instance snapshots, used by the
// scaler/health monitor/status endpoints.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	insts := make([]*Instance, 0, len(p.browsers))
	for _, inst := range p.browsers {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	return out
}

// Size returns the current number of registered browsers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}

// Stats mirrors the teacher's PoolStats shape.
type Stats struct {
	Acquired int64
	Released int64
	Recycled int64
	Errors   int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
		Recycled: p.recycled.Load(),
		Errors:   p.errorsN.Load(),
	}
}

// Get returns the Instance for id, used by the health monitor and
// recycler to act on a specific browser.
func (p *Pool) Get(id string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.browsers[id]
	return inst, ok
}

// LaunchOne launches and registers a single extra browser, used by the
// scaler's scale-up decision. It must not be called from inside p.mu.
func (p *Pool) LaunchOne(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	atCap := len(p.browsers) >= p.cfg.MaxBrowsers
	p.mu.Unlock()
	if atCap {
		return nil, corerr.New(corerr.CodeFailedPrecondition, "browserpool.LaunchOne", "already at MaxBrowsers")
	}
	return p.launchLocked(ctx)
}

// Drain marks an idle browser for draining and removes it once its page
// count reaches zero or drainTimeout elapses, then terminates it. Used by
// the recycler and the scale-down path. It refuses to drain a browser
// that is currently active (a session holds it).
func (p *Pool) Drain(ctx context.Context, browserID string, drainTimeout time.Duration) error {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return corerr.New(corerr.CodeNotFound, "browserpool.Drain", "browser %s not found", browserID)
	}

	inst.mu.Lock()
	if inst.state == StateActive {
		inst.mu.Unlock()
		return corerr.New(corerr.CodeFailedPrecondition, "browserpool.Drain", "browser %s is active", browserID)
	}
	inst.state = StateDraining
	browser := inst.browser
	inst.mu.Unlock()

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

waitForDrain:
	for {
		inst.mu.Lock()
		empty := inst.pageCount == 0
		inst.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-deadline.C:
			break waitForDrain
		case <-ticker.C:
		}
	}

	_ = browser.Close(ctx)

	inst.mu.Lock()
	inst.state = StateTerminated
	inst.mu.Unlock()

	p.mu.Lock()
	delete(p.browsers, browserID)
	for sid, bid := range p.sessionBrowser {
		if bid == browserID {
			delete(p.sessionBrowser, sid)
		}
	}
	p.mu.Unlock()

	p.recycled.Add(1)
	p.bus.Publish(event.Event{Type: event.TypeBrowserRecycled, Fields: map[string]any{"browser_id": browserID}})
	return nil
}

// MarkUnhealthy removes browserID from the acquirable set immediately; it
// is the health monitor's hook into the pool (§4.3 Health loop).
func (p *Pool) MarkUnhealthy(browserID string) {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return
	}
	inst.mu.Lock()
	inst.healthy = false
	if inst.state == StateIdle {
		inst.state = StateDraining
	}
	inst.mu.Unlock()

	p.bus.Publish(event.Event{Type: event.TypeBrowserUnhealthy, Fields: map[string]any{"browser_id": browserID}})
}

// Reconnect re-probes browserID once, for the health monitor's soft
// reconnect stage (§4.9 step a). A healthy probe clears the unhealthy
// flag and returns true without touching the underlying subprocess.
func (p *Pool) Reconnect(ctx context.Context, browserID string) (bool, error) {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return false, corerr.New(corerr.CodeNotFound, "browserpool.Reconnect", "browser %s not found", browserID)
	}

	inst.mu.Lock()
	b := inst.browser
	inst.mu.Unlock()

	probe := b.IsAlive(ctx, 5*time.Second)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if probe == driver.ProbeHealthy {
		inst.healthy = true
		inst.consecutiveBad = 0
		return true, nil
	}
	return false, nil
}

// Relaunch kills browserID's subprocess and replaces it with a freshly
// launched one under the SAME Instance.ID, for the health monitor's
// kill-and-relaunch stage (§4.9 step b). It refuses to touch a browser
// that still has live pages; the caller's recovery chain should fall
// through to delete-and-reprovision in that case.
func (p *Pool) Relaunch(ctx context.Context, browserID string) error {
	p.mu.Lock()
	inst, ok := p.browsers[browserID]
	p.mu.Unlock()
	if !ok {
		return corerr.New(corerr.CodeNotFound, "browserpool.Relaunch", "browser %s not found", browserID)
	}

	inst.mu.Lock()
	if inst.pageCount > 0 {
		inst.mu.Unlock()
		return corerr.New(corerr.CodeFailedPrecondition, "browserpool.Relaunch", "browser %s still has live pages", browserID)
	}
	oldBrowser := inst.browser
	inst.mu.Unlock()

	_ = oldBrowser.Close(ctx)

	newBrowser, err := p.drv.Launch(ctx, inst.LaunchOptions)
	if err != nil {
		return corerr.Wrap(corerr.CodeInternal, "browserpool.Relaunch", err, "relaunch failed for %s", browserID)
	}

	inst.mu.Lock()
	inst.browser = newBrowser
	inst.state = StateIdle
	inst.healthy = true
	inst.consecutiveBad = 0
	inst.lastActivityAt = p.clk.Now()
	inst.mu.Unlock()

	p.bus.Publish(event.Event{Type: event.TypeBrowserRecovered, Fields: map[string]any{"browser_id": browserID, "stage": "relaunch"}})
	return nil
}

// healthLoop runs the per-tick liveness sweep (§4.3). Two consecutive
// non-healthy probes mark the browser unhealthy and hand it to the
// recycler via MarkUnhealthy.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthSweep(interval / 2)
		}
	}
}

func (p *Pool) runHealthSweep(probeTimeout time.Duration) {
	p.mu.Lock()
	insts := make([]*Instance, 0, len(p.browsers))
	for _, inst := range p.browsers {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	for _, inst := range insts {
		inst.mu.Lock()
		browser := inst.browser
		inst.mu.Unlock()

		probe := browser.IsAlive(context.Background(), probeTimeout)

		inst.mu.Lock()
		inst.lastHealthCheckAt = p.clk.Now()
		if probe == driver.ProbeHealthy {
			inst.consecutiveBad = 0
			inst.healthy = true
		} else {
			inst.consecutiveBad++
		}
		becameUnhealthy := inst.consecutiveBad >= 2 && inst.healthy
		if becameUnhealthy {
			inst.healthy = false
		}
		id := inst.ID
		inst.mu.Unlock()

		if becameUnhealthy {
			p.MarkUnhealthy(id)
		}
	}
}

// Close shuts the pool down: refuses new acquires, drains waiters with
// Unavailable, then closes every browser in parallel bounded at 4
// concurrent closes, matching the teacher's errgroup-based Pool.Close.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	insts := make([]*Instance, 0, len(p.browsers))
	for _, inst := range p.browsers {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- acquireResult{err: corerr.New(corerr.CodeUnavailable, "browserpool.Close", "pool is shutting down")}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			inst.mu.Lock()
			browser := inst.browser
			inst.state = StateTerminated
			inst.mu.Unlock()
			return browser.Close(gctx)
		})
	}
	err := g.Wait()

	p.wg.Wait()
	return err
}
