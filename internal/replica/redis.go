// Package replica provides a durable, write-through replica of the
// session store (§6.6), backed by Redis. The in-memory session.Store
// stays authoritative; this replica is never consulted on the read path,
// only mirrored to best-effort on Create/Touch/Delete.
package replica

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/session"
)

const keyPrefix = "browserfleet:session:"

// RedisReplica mirrors session.Record writes into Redis. Failures are
// logged, never returned — per §6.6 the durable backing is a replica, not
// a second source of truth, so it must never be able to fail a caller's
// session operation.
type RedisReplica struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplica builds a replica against an already-configured client.
func NewRedisReplica(client *redis.Client, ttl time.Duration) *RedisReplica {
	return &RedisReplica{client: client, ttl: ttl}
}

func (r *RedisReplica) Put(rec session.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session replica: failed to marshal record")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ttl := r.ttl
	if ttl <= 0 {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Minute
		}
	}

	if err := r.client.Set(ctx, keyPrefix+rec.SessionID, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("session replica: write-through failed")
	}
}

func (r *RedisReplica) Delete(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session replica: delete failed")
	}
}
