// Package ctxmgr implements the context manager (C9): a (contextId →
// ContextRecord) table that projects browser contexts onto pages and is
// the single entry point (ExecuteAction) every transport calls into.
package ctxmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/action"
	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
	"github.com/rorqualx/browserfleet/internal/pagemgr"
	"github.com/rorqualx/browserfleet/internal/session"
	"github.com/rorqualx/browserfleet/pkg/version"
)

// Status is a ContextRecord's lifecycle state (§4.2).
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Options mirrors the page options a context is created with; it is the
// same shape a page accepts (§4.2 lists viewport, userAgent, extraHeaders,
// cookies, timeouts, javaScriptEnabled, bypassCSP, offline, cacheEnabled —
// exactly driver.PageOptions).
type Options = driver.PageOptions

// Record is the C9 ContextRecord.
type Record struct {
	ContextID string
	SessionID string
	Name      string
	Options   Options
	Status    Status
	CreatedAt time.Time
	Metadata  map[string]string
}

// opLock is a per-context serialization point: actions submitted through
// the same context execute in arrival order (§5), while actions on
// different contexts proceed in parallel. A buffered channel of size 1
// gives Lock a context-cancellable acquire, unlike sync.Mutex.
type opLock chan struct{}

func newOpLock() opLock { c := make(opLock, 1); c <- struct{}{}; return c }

func (l opLock) Lock(ctx context.Context) error {
	select {
	case <-l:
		return nil
	case <-ctx.Done():
		return corerr.Wrap(corerr.CodeDeadlineExceeded, "ctxmgr.Lock", ctx.Err(), "timed out waiting for context serialization lock")
	}
}

func (l opLock) Unlock() { l <- struct{}{} }

type entry struct {
	mu        sync.Mutex
	rec       Record
	pageID    string
	browserID string
	opLock    opLock
}

// Manager is the C9 context manager.
type Manager struct {
	sessions *session.Store
	pool     *browserpool.Pool
	pages    *pagemgr.Manager
	actions  *action.Executor
	bus      *event.Bus
	clk      clock.Source

	mu       sync.RWMutex
	contexts map[string]*entry
	byUser   map[string]map[string]struct{}
	newID    func() string
}

// New builds a context manager wired to its downstream components.
func New(sessions *session.Store, pool *browserpool.Pool, pages *pagemgr.Manager, actions *action.Executor, bus *event.Bus, clk clock.Source) *Manager {
	return &Manager{
		sessions: sessions,
		pool:     pool,
		pages:    pages,
		actions:  actions,
		bus:      bus,
		clk:      clk,
		contexts: make(map[string]*entry),
		byUser:   make(map[string]map[string]struct{}),
		newID:    clk.NewID,
	}
}

// CreateContext verifies sessionID is live, acquires a browser, opens its
// backing page, and records ownership (§4.2, §4.6).
func (m *Manager) CreateContext(ctx context.Context, sessionID string, opts Options) (Record, error) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return Record{}, corerr.Wrap(corerr.CodeUnauthenticated, "ctxmgr.CreateContext", corerr.ErrSessionNotFound, "session %s not found", sessionID)
	}
	if m.clk.Now().After(sess.ExpiresAt) {
		return Record{}, corerr.Wrap(corerr.CodeUnauthenticated, "ctxmgr.CreateContext", corerr.ErrSessionExpired, "session %s expired", sessionID)
	}

	inst, err := m.pool.Acquire(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}

	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent
	}

	contextID := m.newID()

	info, err := m.pages.Create(ctx, contextID, sessionID, inst.ID, opts)
	if err != nil {
		_ = m.pool.Release(ctx, inst.ID, sessionID)
		return Record{}, err
	}

	rec := Record{
		ContextID: contextID,
		SessionID: sessionID,
		Options:   opts,
		Status:    StatusActive,
		CreatedAt: m.clk.Now(),
		Metadata:  map[string]string{},
	}

	e := &entry{rec: rec, pageID: info.PageID, browserID: inst.ID, opLock: newOpLock()}

	m.mu.Lock()
	m.contexts[contextID] = e
	if m.byUser[sessionID] == nil {
		m.byUser[sessionID] = make(map[string]struct{})
	}
	m.byUser[sessionID][contextID] = struct{}{}
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.TypeContextCreated, Fields: map[string]any{
		"context_id": contextID, "session_id": sessionID, "browser_id": inst.ID,
	}})
	return rec, nil
}

func (m *Manager) get(contextID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.contexts[contextID]
	m.mu.RUnlock()
	if !ok {
		return nil, corerr.New(corerr.CodeNotFound, "ctxmgr", "context %s not found", contextID)
	}
	return e, nil
}

func (m *Manager) checkOwnership(e *entry, sessionID string) error {
	e.mu.Lock()
	owner := e.rec.SessionID
	closed := e.rec.Status == StatusClosed
	e.mu.Unlock()
	if owner != sessionID {
		m.bus.Publish(event.Event{Type: event.TypeAuditDenied, Fields: map[string]any{
			"context_id": e.rec.ContextID, "owner_session_id": owner, "caller_session_id": sessionID,
		}})
		return corerr.Wrap(corerr.CodeForbidden, "ctxmgr", corerr.ErrOwnershipFailed, "session does not own context")
	}
	if closed {
		return corerr.New(corerr.CodeNotFound, "ctxmgr", "context %s is closed", e.rec.ContextID)
	}
	return nil
}

// DeleteContext closes every page for contextID and removes the record;
// a closed context is never reopened (§4.2).
func (m *Manager) DeleteContext(ctx context.Context, contextID, sessionID string) error {
	e, err := m.get(contextID)
	if err != nil {
		return err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return err
	}

	if err := e.opLock.Lock(ctx); err != nil {
		return err
	}
	defer e.opLock.Unlock()

	e.mu.Lock()
	e.rec.Status = StatusClosed
	browserID := e.browserID
	e.mu.Unlock()

	m.pages.ClosePagesForContext(ctx, contextID)

	if browserID != "" {
		if err := m.pool.Release(ctx, browserID, sessionID); err != nil {
			log.Debug().Err(err).Str("context_id", contextID).Msg("ctxmgr: release on delete (already released or reassigned)")
		}
	}

	m.mu.Lock()
	delete(m.contexts, contextID)
	if set := m.byUser[sessionID]; set != nil {
		delete(set, contextID)
		if len(set) == 0 {
			delete(m.byUser, sessionID)
		}
	}
	m.mu.Unlock()

	m.bus.Publish(event.Event{Type: event.TypeContextClosed, Fields: map[string]any{"context_id": contextID}})
	return nil
}

// ExecuteAction is the single entry point every transport calls (§4.6):
// it resolves contextID's page, serializes per-context, and dispatches
// through the action executor (C10).
func (m *Manager) ExecuteAction(ctx context.Context, contextID, sessionID, actionName string, args action.Args) (action.Args, error) {
	e, err := m.get(contextID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return nil, err
	}

	if err := e.opLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer e.opLock.Unlock()

	e.mu.Lock()
	pageID := e.pageID
	e.mu.Unlock()

	return m.actions.Execute(ctx, m.pages, actionName, pageID, sessionID, args)
}

// Get returns contextID's record, verifying ownership.
func (m *Manager) Get(contextID, sessionID string) (Record, error) {
	e, err := m.get(contextID)
	if err != nil {
		return Record{}, err
	}
	if err := m.checkOwnership(e, sessionID); err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// ListBySession returns every open context owned by sessionID.
func (m *Manager) ListBySession(sessionID string) []Record {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[sessionID]))
	for id := range m.byUser[sessionID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if e, err := m.get(id); err == nil {
			e.mu.Lock()
			out = append(out, e.rec)
			e.mu.Unlock()
		}
	}
	return out
}

// DeleteAllForSession closes every context owned by sessionID, e.g. when
// its session is destroyed (§4.2: "destroyed when its session is
// destroyed").
func (m *Manager) DeleteAllForSession(ctx context.Context, sessionID string) {
	for _, rec := range m.ListBySession(sessionID) {
		if err := m.DeleteContext(ctx, rec.ContextID, sessionID); err != nil {
			log.Warn().Err(err).Str("context_id", rec.ContextID).Msg("ctxmgr: best-effort close on session teardown failed")
		}
	}
}

// WatchSessions subscribes to session destroy/expiry so a torn-down
// session's contexts are always closed with it (§4.2, Invariant 4: no
// orphan page ever survives session delete) instead of relying on every
// caller to remember to invoke DeleteAllForSession itself. Returns a stop
// func that unsubscribes and waits for the relay goroutine to drain.
func (m *Manager) WatchSessions() func() {
	sub := m.bus.Subscribe(event.TypeSessionDestroyed, event.TypeSessionExpired)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			sessionID, _ := ev.Fields["session_id"].(string)
			if sessionID == "" {
				continue
			}
			m.DeleteAllForSession(context.Background(), sessionID)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}
