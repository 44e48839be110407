// Package auth implements the credential verifier (C4): validates bearer
// tokens, API keys, and raw session IDs, and resolves any of them to a
// Principal bound to a live session.
//
// The bearer-token path is grounded on the foundation library's jwt
// package doc (pkg/jwt/doc.go in the pack), which itself describes a
// stdlib-only HMAC-SHA256 envelope rather than wrapping a third-party JWT
// library — so this implements the same approach directly on
// crypto/hmac instead of pulling in an external JWT dependency. The
// constant-time comparison discipline is grounded on the teacher's
// middleware.APIKey (crypto/sha256 + crypto/subtle).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/session"
)

// Principal is the resolved identity every accepted credential shape ends
// at (§4.2, glossary).
type Principal struct {
	UserID    string
	Username  string
	Roles     []string
	SessionID string
}

// BearerClaims is the envelope carried by a signed bearer access token.
type BearerClaims struct {
	Subject   string    `json:"subject"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// APIKeyRecord is a looked-up, long-lived API key (§4.2).
type APIKeyRecord struct {
	KeyID  string
	UserID string
	Name   string
	Roles  []string
}

// KeyStore resolves an opaque API key secret to its record. Implementations
// must perform the lookup and the secret comparison in constant time with
// respect to the secret.
type KeyStore interface {
	Lookup(secret string) (APIKeyRecord, bool)
}

// StaticKeyStore is a KeyStore backed by a fixed, process-wide set of keys
// loaded at startup (e.g. from config). It hashes every candidate with
// SHA-256 and compares digests with subtle.ConstantTimeCompare, the same
// approach the teacher's middleware.APIKey uses for its single key.
type StaticKeyStore struct {
	hashedKeys map[[32]byte]APIKeyRecord
}

// NewStaticKeyStore builds a KeyStore from secret → record pairs.
func NewStaticKeyStore(keys map[string]APIKeyRecord) *StaticKeyStore {
	hashed := make(map[[32]byte]APIKeyRecord, len(keys))
	for secret, rec := range keys {
		hashed[sha256.Sum256([]byte(secret))] = rec
	}
	return &StaticKeyStore{hashedKeys: hashed}
}

func (s *StaticKeyStore) Lookup(secret string) (APIKeyRecord, bool) {
	candidate := sha256.Sum256([]byte(secret))
	for hash, rec := range s.hashedKeys {
		h := hash
		if subtle.ConstantTimeCompare(candidate[:], h[:]) == 1 {
			return rec, true
		}
	}
	return APIKeyRecord{}, false
}

var (
	ErrBadSignature = errors.New("bearer token: signature mismatch")
	ErrMalformed    = errors.New("bearer token: malformed envelope")
)

// Verifier is the C4 credential verifier. All three resolution paths
// (bearer, apikey, raw session id) end at resolveSession, which is the
// single point requiring a live session record.
type Verifier struct {
	signingKey []byte
	keys       KeyStore
	sessions   *session.Store
	clk        clock.Source
}

// New builds a Verifier. signingKey is the fixed, process-wide HMAC key
// for bearer tokens.
func New(signingKey []byte, keys KeyStore, sessions *session.Store, clk clock.Source) *Verifier {
	return &Verifier{signingKey: signingKey, keys: keys, sessions: sessions, clk: clk}
}

// IssueBearerToken signs claims into a base64url(payload).base64url(mac)
// envelope, the minimal HMAC-only shape the foundation jwt doc describes.
func (v *Verifier) IssueBearerToken(claims BearerClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadEnc := base64.RawURLEncoding.EncodeToString(payload)
	mac := v.sign(payloadEnc)
	return payloadEnc + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

func (v *Verifier) sign(payloadEnc string) []byte {
	h := hmac.New(sha256.New, v.signingKey)
	h.Write([]byte(payloadEnc))
	return h.Sum(nil)
}

// VerifyBearer validates the signature and expiry of a bearer token and
// resolves it to a Principal.
func (v *Verifier) VerifyBearer(token string) (Principal, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.VerifyBearer", ErrMalformed, "malformed bearer token")
	}

	payloadEnc, macEnc := parts[0], parts[1]
	mac, err := base64.RawURLEncoding.DecodeString(macEnc)
	if err != nil {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.VerifyBearer", ErrMalformed, "malformed signature")
	}

	expected := v.sign(payloadEnc)
	if subtle.ConstantTimeCompare(mac, expected) != 1 {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.VerifyBearer", ErrBadSignature, "signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadEnc)
	if err != nil {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.VerifyBearer", ErrMalformed, "malformed payload")
	}

	var claims BearerClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.VerifyBearer", ErrMalformed, "malformed claims")
	}

	if v.clk.Now().After(claims.ExpiresAt) {
		return Principal{}, corerr.New(corerr.CodeUnauthenticated, "auth.VerifyBearer", "bearer token expired")
	}

	return v.resolveSession(claims.SessionID, claims.Subject, claims.Username, claims.Roles)
}

// VerifyAPIKey looks up secret in the key store and resolves the
// synthetic apikey:<keyId> session.
func (v *Verifier) VerifyAPIKey(secret string) (Principal, error) {
	rec, ok := v.keys.Lookup(secret)
	if !ok {
		return Principal{}, corerr.New(corerr.CodeUnauthenticated, "auth.VerifyAPIKey", "api key not recognized")
	}

	syntheticSessionID := "apikey:" + rec.KeyID
	if _, ok := v.sessions.Get(syntheticSessionID); !ok {
		now := v.clk.Now()
		v.sessions.Create(session.Record{
			SessionID:      syntheticSessionID,
			UserID:         rec.UserID,
			Username:       rec.Name,
			Roles:          rec.Roles,
			CreatedAt:      now,
			LastActivityAt: now,
			ExpiresAt:      now.Add(100 * 365 * 24 * time.Hour), // API-key sessions do not expire on their own.
		})
	}

	return v.resolveSession(syntheticSessionID, rec.UserID, rec.Name, rec.Roles)
}

// VerifySessionID trusts the caller only if a matching live session
// exists.
func (v *Verifier) VerifySessionID(sessionID string) (Principal, error) {
	return v.resolveSession(sessionID, "", "", nil)
}

// resolveSession is the single point every credential path funnels
// through: it requires a live session record and fails with
// Unauthenticated/SessionExpired otherwise.
func (v *Verifier) resolveSession(sessionID, userID, username string, roles []string) (Principal, error) {
	rec, ok := v.sessions.Get(sessionID)
	if !ok {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.resolveSession", corerr.ErrSessionNotFound, "session %s not found", sessionID)
	}
	if v.clk.Now().After(rec.ExpiresAt) {
		return Principal{}, corerr.Wrap(corerr.CodeUnauthenticated, "auth.resolveSession", corerr.ErrSessionExpired, "session %s expired", sessionID)
	}

	_ = v.sessions.Touch(sessionID)

	if userID == "" {
		userID = rec.UserID
	}
	if username == "" {
		username = rec.Username
	}
	if len(roles) == 0 {
		roles = rec.Roles
	}

	return Principal{UserID: userID, Username: username, Roles: roles, SessionID: sessionID}, nil
}
