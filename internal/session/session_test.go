package session

import (
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/event"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	s := New(clk, event.New(), time.Hour, WithReplica(&fakeReplica{}))
	t.Cleanup(s.Close)
	return s, clk
}

type fakeReplica struct {
	put []Record
	del []string
}

func (f *fakeReplica) Put(r Record)        { f.put = append(f.put, r) }
func (f *fakeReplica) Delete(id string)    { f.del = append(f.del, id) }

func TestCreateGetDelete(t *testing.T) {
	s, clk := newTestStore(t)
	rec := Record{
		SessionID: "s1", UserID: "u1", Username: "demo",
		CreatedAt: clk.Now(), LastActivityAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	}
	id := s.Create(rec)
	if id != "s1" {
		t.Fatalf("Create returned %q", id)
	}

	got, ok := s.Get("s1")
	if !ok || got.UserID != "u1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	if !s.Delete("s1") {
		t.Fatal("Delete should report the session existed")
	}
	if _, ok := s.Get("s1"); ok {
		t.Fatal("Get after Delete must return nothing")
	}
}

func TestTouchDoesNotExtendExpiry(t *testing.T) {
	s, clk := newTestStore(t)
	expires := clk.Now().Add(time.Hour)
	s.Create(Record{SessionID: "s1", UserID: "u1", CreatedAt: clk.Now(), LastActivityAt: clk.Now(), ExpiresAt: expires})

	clk.Advance(time.Minute)
	if err := s.Touch("s1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	rec, _ := s.Get("s1")
	if !rec.ExpiresAt.Equal(expires) {
		t.Fatalf("Touch must not change ExpiresAt, got %v want %v", rec.ExpiresAt, expires)
	}
	if !rec.LastActivityAt.Equal(clk.Now()) {
		t.Fatalf("Touch should update LastActivityAt to %v, got %v", clk.Now(), rec.LastActivityAt)
	}
}

func TestPurgeRemovesExpired(t *testing.T) {
	s, clk := newTestStore(t)
	s.Create(Record{SessionID: "expired", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(-time.Second)})
	s.Create(Record{SessionID: "live", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	n := s.Purge(clk.Now())
	if n != 1 {
		t.Fatalf("Purge removed %d records, want 1", n)
	}
	if _, ok := s.Get("expired"); ok {
		t.Fatal("expired session should be purged")
	}
	if _, ok := s.Get("live"); !ok {
		t.Fatal("live session should survive purge")
	}
}

func TestListByUser(t *testing.T) {
	s, clk := newTestStore(t)
	s.Create(Record{SessionID: "a", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})
	s.Create(Record{SessionID: "b", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})
	s.Create(Record{SessionID: "c", UserID: "u2", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	got := s.ListByUser("u1")
	if len(got) != 2 {
		t.Fatalf("ListByUser(u1) = %d records, want 2", len(got))
	}
}
