package auth

import (
	"testing"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/event"
	"github.com/rorqualx/browserfleet/internal/session"
)

func newTestVerifier(t *testing.T) (*Verifier, *session.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	store := session.New(clk, event.New(), time.Hour)
	t.Cleanup(store.Close)
	keys := NewStaticKeyStore(map[string]APIKeyRecord{
		"secret-key-1": {KeyID: "k1", UserID: "u1", Name: "svc", Roles: []string{"service"}},
	})
	v := New([]byte("signing-key"), keys, store, clk)
	return v, store, clk
}

func TestBearerRoundTrip(t *testing.T) {
	v, store, clk := newTestVerifier(t)
	store.Create(session.Record{
		SessionID: "s1", UserID: "u1", Username: "demo",
		CreatedAt: clk.Now(), LastActivityAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	})

	token, err := v.IssueBearerToken(BearerClaims{
		Subject: "u1", Username: "demo", Roles: []string{"user"},
		SessionID: "s1", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}

	p, err := v.VerifyBearer(token)
	if err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	if p.SessionID != "s1" || p.UserID != "u1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestBearerTamperedSignatureRejected(t *testing.T) {
	v, store, clk := newTestVerifier(t)
	store.Create(session.Record{SessionID: "s1", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	token, _ := v.IssueBearerToken(BearerClaims{Subject: "u1", SessionID: "s1", ExpiresAt: clk.Now().Add(time.Hour)})
	tampered := token[:len(token)-1] + "x"

	_, err := v.VerifyBearer(tampered)
	if corerr.CodeOf(err) != corerr.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated on tampered token, got %v", err)
	}
}

func TestBearerExpired(t *testing.T) {
	v, store, clk := newTestVerifier(t)
	store.Create(session.Record{SessionID: "s1", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	token, _ := v.IssueBearerToken(BearerClaims{Subject: "u1", SessionID: "s1", ExpiresAt: clk.Now().Add(-time.Second)})

	_, err := v.VerifyBearer(token)
	if corerr.CodeOf(err) != corerr.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated for expired bearer, got %v", err)
	}
}

func TestAPIKeyYieldsSyntheticSession(t *testing.T) {
	v, _, _ := newTestVerifier(t)

	p, err := v.VerifyAPIKey("secret-key-1")
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if p.SessionID != "apikey:k1" {
		t.Fatalf("expected synthetic session id apikey:k1, got %q", p.SessionID)
	}

	p2, err := v.VerifyAPIKey("secret-key-1")
	if err != nil || p2.SessionID != p.SessionID {
		t.Fatalf("expected stable synthetic session across calls, got %+v, %v", p2, err)
	}
}

func TestUnknownAPIKeyRejected(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	_, err := v.VerifyAPIKey("not-a-real-key")
	if corerr.CodeOf(err) != corerr.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestRawSessionIDTrustedOnlyIfLive(t *testing.T) {
	v, store, clk := newTestVerifier(t)
	store.Create(session.Record{SessionID: "s1", UserID: "u1", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	if _, err := v.VerifySessionID("s1"); err != nil {
		t.Fatalf("VerifySessionID for live session: %v", err)
	}
	if _, err := v.VerifySessionID("nope"); corerr.CodeOf(err) != corerr.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated for missing session, got %v", err)
	}
}
