// Package idempotency guards the planner's once-per-minute decision. A key is
// acquired at most once per TTL window; replicas race on Redis SETNX and the
// loser skips the minute.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
)

const minTTL = 30 * time.Second

// SetterNX is the slice of the Redis client the store uses.
type SetterNX interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Config struct {
	Logger *slog.Logger

	// Client may be nil, in which case the store starts degraded and only
	// the in-process fallback map is used.
	Client SetterNX

	TTL    time.Duration
	Prefix string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Store deduplicates (device, slot, minute, action) tuples. Redis is the
// shared backend; after the first Redis failure the store degrades to the
// local map for the rest of the process lifetime, trading cross-replica
// dedup for availability.
type Store struct {
	log      *slog.Logger
	client   SetterNX
	ttl      time.Duration
	prefix   string
	degraded atomic.Bool

	local *ttlcache.Cache[string, struct{}]
}

func New(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idempotency config: %w", err)
	}

	ttl := cfg.TTL
	if ttl < minTTL {
		ttl = minTTL
	}

	s := &Store{
		log:    cfg.Logger.With("component", "idempotency"),
		client: cfg.Client,
		ttl:    ttl,
		prefix: cfg.Prefix,
		local:  ttlcache.New(ttlcache.WithTTL[string, struct{}](ttl)),
	}
	if cfg.Client == nil {
		s.log.Warn("No Redis client configured, idempotency store starts on the local fallback")
		s.markDegraded()
	}
	go s.local.Start()
	return s, nil
}

// Close stops the fallback cache's expiry loop.
func (s *Store) Close() {
	s.local.Stop()
}

// Degraded reports whether the store has fallen back to the local map.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Acquire claims the minute key and reports whether this caller won it. It
// never fails: a Redis error degrades the store and the local map answers
// instead, so a broken Redis can not stall scheduling.
func (s *Store) Acquire(ctx context.Context, deviceID, slotID int64, minute time.Time, action domain.CommandAction) bool {
	key := s.key(deviceID, slotID, minute, action)

	if !s.degraded.Load() {
		acquired, err := s.client.SetNX(ctx, key, "1", s.ttl).Result()
		if err == nil {
			if acquired {
				metrics.IdempotencyAcquire.WithLabelValues("redis", "acquired").Inc()
			} else {
				metrics.IdempotencyAcquire.WithLabelValues("redis", "duplicate").Inc()
			}
			return acquired
		}
		metrics.IdempotencyAcquire.WithLabelValues("redis", "error").Inc()
		s.log.Warn("Redis idempotency acquire failed, degrading to local fallback", "error", err, "key", key)
		s.markDegraded()
	}

	_, present := s.local.GetOrSet(key, struct{}{}, ttlcache.WithTTL[string, struct{}](s.ttl))
	if present {
		metrics.IdempotencyAcquire.WithLabelValues("local", "duplicate").Inc()
		return false
	}
	metrics.IdempotencyAcquire.WithLabelValues("local", "acquired").Inc()
	return true
}

func (s *Store) markDegraded() {
	s.degraded.Store(true)
	metrics.IdempotencyDegraded.Set(1)
}

func (s *Store) key(deviceID, slotID int64, minute time.Time, action domain.CommandAction) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", s.prefix, deviceID, slotID, minute.UTC().Format(time.RFC3339), action)
}
