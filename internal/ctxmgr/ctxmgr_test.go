package ctxmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/action"
	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
	"github.com/rorqualx/browserfleet/internal/pagemgr"
	"github.com/rorqualx/browserfleet/internal/session"
)

func newTestManager(t *testing.T) (*Manager, *session.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	bus := event.New()
	store := session.New(clk, bus, time.Hour)
	t.Cleanup(store.Close)

	fd := driver.NewFake()
	cfg := browserpool.DefaultConfig()
	cfg.MinBrowsers = 1
	cfg.MaxBrowsers = 2
	pool, err := browserpool.New(context.Background(), cfg, fd, clk, bus)
	if err != nil {
		t.Fatalf("browserpool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })

	pages := pagemgr.New(pool, bus, clk, pagemgr.Config{IdleSweepInterval: time.Hour, IdleTimeout: time.Hour})
	t.Cleanup(pages.Close)

	actions := action.New()
	mgr := New(store, pool, pages, actions, bus, clk)
	return mgr, store, clk
}

func createLiveSession(t *testing.T, store *session.Store, clk *clock.Fake, sessionID string) {
	t.Helper()
	store.Create(session.Record{
		SessionID: sessionID, UserID: "u1", CreatedAt: clk.Now(),
		LastActivityAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	})
}

func TestCreateContextRequiresLiveSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateContext(context.Background(), "ghost", driver.PageOptions{})
	if corerr.CodeOf(err) != corerr.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated for unknown session, got %v", err)
	}
}

func TestExecuteActionHappyPath(t *testing.T) {
	mgr, store, clk := newTestManager(t)
	createLiveSession(t, store, clk, "s1")

	rec, err := mgr.CreateContext(context.Background(), "s1", driver.PageOptions{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	out, err := mgr.ExecuteAction(context.Background(), rec.ContextID, "s1", "navigate", action.Args{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("ExecuteAction navigate: %v", err)
	}
	if out["finalUrl"] != "https://example.com" {
		t.Fatalf("unexpected navigate result: %+v", out)
	}
	if out["title"] != "fake title" {
		t.Fatalf("expected real landed title, got %+v", out)
	}
}

func TestExecuteActionOwnershipMismatch(t *testing.T) {
	mgr, store, clk := newTestManager(t)
	createLiveSession(t, store, clk, "s1")

	rec, err := mgr.CreateContext(context.Background(), "s1", driver.PageOptions{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	_, err = mgr.ExecuteAction(context.Background(), rec.ContextID, "intruder", "navigate", action.Args{"url": "https://example.com"})
	if corerr.CodeOf(err) != corerr.CodeForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestDeleteContextThenExecuteReturnsNotFound(t *testing.T) {
	mgr, store, clk := newTestManager(t)
	createLiveSession(t, store, clk, "s1")

	rec, err := mgr.CreateContext(context.Background(), "s1", driver.PageOptions{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if err := mgr.DeleteContext(context.Background(), rec.ContextID, "s1"); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}

	_, err = mgr.ExecuteAction(context.Background(), rec.ContextID, "s1", "navigate", action.Args{"url": "https://example.com"})
	if corerr.CodeOf(err) != corerr.CodeNotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestUnknownActionInvalidArgument(t *testing.T) {
	mgr, store, clk := newTestManager(t)
	createLiveSession(t, store, clk, "s1")

	rec, err := mgr.CreateContext(context.Background(), "s1", driver.PageOptions{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	_, err = mgr.ExecuteAction(context.Background(), rec.ContextID, "s1", "teleport", action.Args{})
	if corerr.CodeOf(err) != corerr.CodeInvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown action, got %v", err)
	}
}
