// Package pagemgr implements the page manager (C8): a (pageId → page)
// table with session-ownership enforcement, navigation, screenshot,
// cookies, and the rest of the action surface in §4.5, mapped onto
// driver.Page calls inside pool-owned browsers.
//
// The reference-counted access pattern (acquire a ref, run the driver
// call outside any lock, release the ref, Close waits for refs to drain)
// is grounded on the teacher's session.Session.AcquirePage/ReleasePage.
package pagemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
)

// State is a PageInfo's lifecycle state (§3).
type State string

const (
	StateActive     State = "active"
	StateNavigating State = "navigating"
	StateIdle       State = "idle"
	StateClosed     State = "closed"
)

// Info is the C8 PageInfo, a read-only snapshot safe to hand to callers.
type Info struct {
	PageID            string
	ContextID         string
	SessionID         string
	BrowserID         string
	URL               string
	Title             string
	State             State
	NavigationHistory []string
	ErrorCount        int
	LastActivityAt    time.Time
	Metadata          map[string]string
}

type pageEntry struct {
	mu      sync.Mutex
	info    Info
	driver  driver.Page
	refs    atomic.Int32
	closing atomic.Bool
}

func (e *pageEntry) snapshot() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.info
	cp.NavigationHistory = append([]string(nil), e.info.NavigationHistory...)
	return cp
}

// acquireRef returns false if the page is closing/closed.
func (e *pageEntry) acquireRef() bool {
	if e.closing.Load() {
		return false
	}
	e.refs.Add(1)
	if e.closing.Load() {
		e.releaseRef()
		return false
	}
	return true
}

func (e *pageEntry) releaseRef() {
	if e.refs.Add(-1) < 0 {
		log.Warn().Str("page_id", e.info.PageID).Msg("page ref count underflow")
		e.refs.Store(0)
	}
}

func (e *pageEntry) waitForRefs(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for e.refs.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Manager is the C8 page manager.
type Manager struct {
	pool *browserpool.Pool
	bus  *event.Bus
	clk  clock.Source

	idleTimeout time.Duration

	mu           sync.RWMutex
	pages        map[string]*pageEntry
	byContext    map[string]map[string]struct{}
	bySession    map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
	newID  func() string
}

// Config parameterizes the idle sweep (§4.5: default 5 min tick, 30 min
// idle threshold).
type Config struct {
	IdleSweepInterval time.Duration
	IdleTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{IdleSweepInterval: 5 * time.Minute, IdleTimeout: 30 * time.Minute}
}

// New builds a Manager and starts its idle sweep.
func New(pool *browserpool.Pool, bus *event.Bus, clk clock.Source, cfg Config) *Manager {
	if cfg.IdleSweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		pool:        pool,
		bus:         bus,
		clk:         clk,
		idleTimeout: cfg.IdleTimeout,
		pages:       make(map[string]*pageEntry),
		byContext:   make(map[string]map[string]struct{}),
		bySession:   make(map[string]map[string]struct{}),
		stopCh:      make(chan struct{}),
		newID:       clk.NewID,
	}
	m.wg.Add(1)
	go m.idleSweepLoop(cfg.IdleSweepInterval)
	return m
}

// Create opens a new page inside browserID on behalf of contextID/sessionID.
func (m *Manager) Create(ctx context.Context, contextID, sessionID, browserID string, opts driver.PageOptions) (Info, error) {
	dp, err := m.pool.CreatePage(ctx, browserID, sessionID, opts)
	if err != nil {
		return Info{}, err
	}

	id := m.newID()
	entry := &pageEntry{
		driver: dp,
		info: Info{
			PageID: id, ContextID: contextID, SessionID: sessionID, BrowserID: browserID,
			State: StateActive, LastActivityAt: m.clk.Now(), Metadata: map[string]string{},
		},
	}

	m.mu.Lock()
	m.pages[id] = entry
	if m.byContext[contextID] == nil {
		m.byContext[contextID] = make(map[string]struct{})
	}
	m.byContext[contextID][id] = struct{}{}
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]struct{})
	}
	m.bySession[sessionID][id] = struct{}{}
	m.mu.Unlock()

	m.watchEvents(entry)

	m.bus.Publish(event.Event{Type: event.TypePageCreated, Fields: map[string]any{
		"page_id": id, "context_id": contextID, "session_id": sessionID, "browser_id": browserID,
	}})
	return entry.snapshot(), nil
}

// watchEvents relays driver page events into info updates without ever
// blocking the driver (§4.5: "they never block callers").
func (m *Manager) watchEvents(e *pageEntry) {
	go func() {
		for ev := range e.driver.Events() {
			e.mu.Lock()
			switch ev.Type {
			case "frame-navigated":
				e.info.URL = ev.URL
				if ev.Title != "" {
					e.info.Title = ev.Title
				}
				e.info.NavigationHistory = append(e.info.NavigationHistory, ev.URL)
			case "page-error", "page-script-error":
				e.info.ErrorCount++
			}
			e.mu.Unlock()
		}
	}()
}

func (m *Manager) get(pageID string) (*pageEntry, error) {
	m.mu.RLock()
	e, ok := m.pages[pageID]
	m.mu.RUnlock()
	if !ok {
		return nil, corerr.Wrap(corerr.CodeNotFound, "pagemgr", corerr.ErrPageNotFound, "page %s not found", pageID)
	}
	return e, nil
}

// checkOwnership verifies page.sessionId == sessionID, per the Forbidden +
// audit-event rule every public operation follows.
func (m *Manager) checkOwnership(e *pageEntry, sessionID string) error {
	e.mu.Lock()
	owner := e.info.SessionID
	e.mu.Unlock()
	if owner != sessionID {
		m.bus.Publish(event.Event{Type: event.TypeAuditDenied, Fields: map[string]any{
			"page_id": e.info.PageID, "owner_session_id": owner, "caller_session_id": sessionID,
		}})
		return corerr.Wrap(corerr.CodeForbidden, "pagemgr", corerr.ErrOwnershipFailed, "session does not own page")
	}
	return nil
}

func (m *Manager) withPage(pageID, sessionID string, fn func(e *pageEntry) error) error {
	e, err := m.get(pageID)
	if err != nil {
		return err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return err
	}
	if !e.acquireRef() {
		return corerr.Wrap(corerr.CodeNotFound, "pagemgr", corerr.ErrPageClosed, "page %s is closing", pageID)
	}
	defer e.releaseRef()
	return fn(e)
}

func (m *Manager) touch(e *pageEntry) {
	e.mu.Lock()
	e.info.LastActivityAt = m.clk.Now()
	e.mu.Unlock()
}

// Navigate implements §4.5 Navigate, returning the page's actual landed
// URL/title rather than the URL the caller asked for.
func (m *Manager) Navigate(ctx context.Context, pageID, sessionID, url string, opts driver.NavigateOptions) (driver.NavigateResult, error) {
	var out driver.NavigateResult
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		e.mu.Lock()
		e.info.State = StateNavigating
		e.mu.Unlock()

		res, err := e.driver.Navigate(ctx, url, opts)

		e.mu.Lock()
		e.info.State = StateActive
		if err != nil {
			e.info.ErrorCount++
		} else {
			e.info.URL = res.URL
			if res.Title != "" {
				e.info.Title = res.Title
			}
			e.info.NavigationHistory = append(e.info.NavigationHistory, res.URL)
		}
		e.info.LastActivityAt = m.clk.Now()
		e.mu.Unlock()

		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Navigate", err, "navigation failed")
		}
		out = res
		return nil
	})
	return out, err
}

// Evaluate implements §4.5 Evaluate.
func (m *Manager) Evaluate(ctx context.Context, pageID, sessionID, script string) (any, error) {
	var result any
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		v, err := e.driver.Evaluate(ctx, script)
		m.touch(e)
		if err != nil {
			e.mu.Lock()
			e.info.ErrorCount++
			e.mu.Unlock()
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Evaluate", err, "evaluation failed")
		}
		result = v
		return nil
	})
	return result, err
}

// Screenshot implements §4.5 Screenshot.
func (m *Manager) Screenshot(ctx context.Context, pageID, sessionID string, opts driver.ScreenshotOptions) ([]byte, error) {
	var out []byte
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		b, err := e.driver.Screenshot(ctx, opts)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Screenshot", err, "screenshot failed")
		}
		out = b
		return nil
	})
	return out, err
}

// GetContent implements §4.5 GetContent.
func (m *Manager) GetContent(ctx context.Context, pageID, sessionID, selector string) (string, error) {
	var out string
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		c, err := e.driver.GetContent(ctx, selector)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.GetContent", err, "get content failed")
		}
		out = c
		return nil
	})
	return out, err
}

// Click implements §4.5 Click.
func (m *Manager) Click(ctx context.Context, pageID, sessionID, selector string, clickCount int) error {
	return m.withPage(pageID, sessionID, func(e *pageEntry) error {
		err := e.driver.Click(ctx, selector, clickCount)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Click", err, "click failed")
		}
		return nil
	})
}

// Type implements §4.5 Type.
func (m *Manager) Type(ctx context.Context, pageID, sessionID, selector, text string, delay time.Duration) error {
	return m.withPage(pageID, sessionID, func(e *pageEntry) error {
		err := e.driver.Type(ctx, selector, text, delay)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Type", err, "type failed")
		}
		return nil
	})
}

// WaitForSelector implements §4.5 WaitForSelector.
func (m *Manager) WaitForSelector(ctx context.Context, pageID, sessionID, selector string, timeout time.Duration, visible bool) error {
	return m.withPage(pageID, sessionID, func(e *pageEntry) error {
		err := e.driver.WaitForSelector(ctx, selector, timeout, visible)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.WaitForSelector", err, "wait for selector failed")
		}
		return nil
	})
}

// Cookies implements §4.5 Cookies.
func (m *Manager) Cookies(ctx context.Context, pageID, sessionID string, op driver.CookieOp, cookies []driver.Cookie) ([]driver.Cookie, error) {
	var out []driver.Cookie
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		c, err := e.driver.Cookies(ctx, op, cookies)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Cookies", err, "cookie operation failed")
		}
		out = c
		return nil
	})
	return out, err
}

// PDF implements §4.5 PDF.
func (m *Manager) PDF(ctx context.Context, pageID, sessionID string, opts driver.PDFOptions) ([]byte, error) {
	var out []byte
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		b, err := e.driver.PDF(ctx, opts)
		m.touch(e)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.PDF", err, "pdf generation failed")
		}
		out = b
		return nil
	})
	return out, err
}

// Metrics implements §4.5 Metrics.
func (m *Manager) Metrics(ctx context.Context, pageID, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := m.withPage(pageID, sessionID, func(e *pageEntry) error {
		v, err := e.driver.Metrics(ctx)
		if err != nil {
			return corerr.Wrap(corerr.CodeInternal, "pagemgr.Metrics", err, "metrics failed")
		}
		out = v
		return nil
	})
	return out, err
}

// Get returns a snapshot of pageID's info, verifying ownership.
func (m *Manager) Get(pageID, sessionID string) (Info, error) {
	e, err := m.get(pageID)
	if err != nil {
		return Info{}, err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return Info{}, err
	}
	return e.snapshot(), nil
}

// Close is idempotent: a second call returns NotFound and leaves pool
// state unchanged (§8 round-trip law).
func (m *Manager) Close(ctx context.Context, pageID, sessionID string) error {
	e, err := m.get(pageID)
	if err != nil {
		return err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return err
	}
	return m.closeEntry(ctx, e)
}

func (m *Manager) closeEntry(ctx context.Context, e *pageEntry) error {
	if !e.closing.CompareAndSwap(false, true) {
		return corerr.Wrap(corerr.CodeNotFound, "pagemgr.Close", corerr.ErrPageClosed, "page %s already closed", e.info.PageID)
	}

	e.waitForRefs(5 * time.Second)

	e.mu.Lock()
	e.info.State = StateClosed
	browserID := e.info.BrowserID
	pageID := e.info.PageID
	contextID := e.info.ContextID
	sessionID := e.info.SessionID
	e.mu.Unlock()

	_ = e.driver.Close(ctx)
	m.pool.ClosePage(browserID)

	m.mu.Lock()
	delete(m.pages, pageID)
	if ctxPages := m.byContext[contextID]; ctxPages != nil {
		delete(ctxPages, pageID)
		if len(ctxPages) == 0 {
			delete(m.byContext, contextID)
		}
	}
	if sessPages := m.bySession[sessionID]; sessPages != nil {
		delete(sessPages, pageID)
		if len(sessPages) == 0 {
			delete(m.bySession, sessionID)
		}
	}
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.TypePageClosed, Fields: map[string]any{"page_id": pageID}})
	return nil
}

// ClosePagesForContext best-effort closes every page owned by contextID;
// individual failures are logged and do not abort the batch.
func (m *Manager) ClosePagesForContext(ctx context.Context, contextID string) {
	m.closeBatch(ctx, m.pageIDsForContext(contextID))
}

// ClosePagesForSession best-effort closes every page owned by sessionID.
func (m *Manager) ClosePagesForSession(ctx context.Context, sessionID string) {
	m.closeBatch(ctx, m.pageIDsForSession(sessionID))
}

func (m *Manager) pageIDsForContext(contextID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byContext[contextID]))
	for id := range m.byContext[contextID] {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) pageIDsForSession(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) closeBatch(ctx context.Context, ids []string) {
	for _, id := range ids {
		m.mu.RLock()
		e, ok := m.pages[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := m.closeEntry(ctx, e); err != nil {
			log.Warn().Err(err).Str("page_id", id).Msg("pagemgr: batch close failed for one page")
		}
	}
}

// ListForSession returns info for every page owned by sessionID.
func (m *Manager) ListForSession(sessionID string) []Info {
	ids := m.pageIDsForSession(sessionID)
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		e, ok := m.pages[id]
		m.mu.RUnlock()
		if ok {
			out = append(out, e.snapshot())
		}
	}
	return out
}

func (m *Manager) idleSweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.RLock()
	entries := make([]*pageEntry, 0, len(m.pages))
	for _, e := range m.pages {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	now := m.clk.Now()
	for _, e := range entries {
		e.mu.Lock()
		isIdle := e.info.State == StateIdle || e.info.State == StateActive
		idleAge := now.Sub(e.info.LastActivityAt)
		e.mu.Unlock()

		if isIdle && idleAge > m.idleTimeout {
			if err := m.closeEntry(context.Background(), e); err != nil {
				log.Debug().Err(err).Str("page_id", e.info.PageID).Msg("idle sweep: page already gone")
			}
		}
	}
}

// Close stops the idle sweep loop.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
