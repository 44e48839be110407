// Package session implements the session store (C3): a keyed record of
// sessionId → SessionRecord with TTL-based purge. This generalizes the
// teacher's internal/session.Manager — which bound one browser and one
// page directly to each session — into a data-only store; ownership of
// contexts and pages now lives in internal/ctxmgr and internal/pagemgr.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/event"
)

// Record is the C3 SessionRecord (§3).
type Record struct {
	SessionID      string
	UserID         string
	Username       string
	Roles          []string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Metadata       map[string]string
}

// Replica mirrors session writes to a durable, best-effort backing store
// (§6.6). The in-memory Store stays authoritative; Replica is never
// consulted on the read path.
type Replica interface {
	Put(r Record)
	Delete(sessionID string)
}

// Store is the concurrent session map. One store-wide RWMutex guards every
// operation; there is no per-key locking.
type Store struct {
	clk     clock.Source
	bus     *event.Bus
	replica Replica

	mu       sync.RWMutex
	sessions map[string]*Record
	byUser   map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithReplica attaches a write-through durable replica.
func WithReplica(r Replica) Option {
	return func(s *Store) { s.replica = r }
}

// New builds a Store and starts its background purge tick.
func New(clk clock.Source, bus *event.Bus, purgeInterval time.Duration, opts ...Option) *Store {
	s := &Store{
		clk:      clk,
		bus:      bus,
		sessions: make(map[string]*Record),
		byUser:   make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if purgeInterval <= 0 {
		purgeInterval = 60 * time.Second
	}
	s.wg.Add(1)
	go s.purgeLoop(purgeInterval)
	return s
}

// Create stores rec and returns its sessionId.
func (s *Store) Create(rec Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec
	s.sessions[cp.SessionID] = &cp
	if s.byUser[cp.UserID] == nil {
		s.byUser[cp.UserID] = make(map[string]struct{})
	}
	s.byUser[cp.UserID][cp.SessionID] = struct{}{}

	if s.replica != nil {
		s.replica.Put(cp)
	}

	s.bus.Publish(event.Event{Type: event.TypeSessionCreated, Fields: map[string]any{
		"session_id": cp.SessionID, "user_id": cp.UserID,
	}})
	return cp.SessionID
}

// Get returns a copy of the record for sessionID, or (Record{}, false).
func (s *Store) Get(sessionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Touch updates only lastActivityAt; it must never extend expiresAt.
func (s *Store) Touch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return corerr.Wrap(corerr.CodeNotFound, "session.Touch", corerr.ErrSessionNotFound, "session %s not found", sessionID)
	}
	rec.LastActivityAt = s.clk.Now()
	if s.replica != nil {
		s.replica.Put(*rec)
	}
	return nil
}

// Delete removes sessionID's record, returning whether it existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sessionID)
	if users := s.byUser[rec.UserID]; users != nil {
		delete(users, sessionID)
		if len(users) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
	s.mu.Unlock()

	if s.replica != nil {
		s.replica.Delete(sessionID)
	}
	s.bus.Publish(event.Event{Type: event.TypeSessionDestroyed, Fields: map[string]any{"session_id": sessionID}})
	return true
}

// ListByUser returns every live session for userID, ordered by SessionID
// for deterministic output.
func (s *Store) ListByUser(userID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]Record, 0, len(ids))
	for id := range ids {
		if rec, ok := s.sessions[id]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Purge removes every record whose ExpiresAt is at or before now. A
// corrupted record (zero ExpiresAt; Create does not reject one) is
// deleted and logged rather than recovered.
func (s *Store) Purge(now time.Time) int {
	s.mu.Lock()
	var expired []string
	for id, rec := range s.sessions {
		if rec.ExpiresAt.IsZero() {
			log.Warn().Str("session_id", id).Msg("session record missing expiresAt, purging as corrupted")
			expired = append(expired, id)
			continue
		}
		if !rec.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		rec := s.sessions[id]
		delete(s.sessions, id)
		if users := s.byUser[rec.UserID]; users != nil {
			delete(users, id)
			if len(users) == 0 {
				delete(s.byUser, rec.UserID)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if s.replica != nil {
			s.replica.Delete(id)
		}
		s.bus.Publish(event.Event{Type: event.TypeSessionExpired, Fields: map[string]any{"session_id": id}})
	}
	return len(expired)
}

func (s *Store) purgeLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n := s.Purge(s.clk.Now())
			if n > 0 {
				log.Debug().Int("count", n).Msg("session store: purged expired sessions")
			}
		}
	}
}

// Close stops the background purge loop.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
