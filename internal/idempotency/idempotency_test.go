package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

type fakeRedis struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	err     error
	calls   int
	lastKey string
	lastTTL time.Duration
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastKey = key
	f.lastTTL = ttl
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys == nil {
		f.keys = make(map[string]struct{})
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = struct{}{}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.ErrorContains(t, err, "logger is required")
}

func TestStore_Acquire_Redis(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{}
	s, err := New(&Config{Logger: testLogger(), Client: fake, TTL: 2 * time.Minute, Prefix: "sched"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	minute := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	require.True(t, s.Acquire(ctx, 7, 3, minute, domain.ActionOn))
	require.False(t, s.Acquire(ctx, 7, 3, minute, domain.ActionOn), "same tuple must be rejected")
	require.Equal(t, "sched:7:3:2025-03-10T08:00:00Z:ON", fake.lastKey)
	require.Equal(t, 2*time.Minute, fake.lastTTL)

	// A different action or minute is a different key.
	require.True(t, s.Acquire(ctx, 7, 3, minute, domain.ActionOff))
	require.True(t, s.Acquire(ctx, 7, 3, minute.Add(time.Minute), domain.ActionOn))
	require.False(t, s.Degraded())
}

func TestStore_Acquire_DegradesToLocalOnce(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{err: errors.New("connection refused")}
	s, err := New(&Config{Logger: testLogger(), Client: fake, TTL: time.Minute, Prefix: "sched"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	minute := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	// The failed call still answers, from the local map.
	require.True(t, s.Acquire(ctx, 1, 1, minute, domain.ActionOn))
	require.True(t, s.Degraded())
	require.False(t, s.Acquire(ctx, 1, 1, minute, domain.ActionOn))

	// Degradation is one-way: Redis is never consulted again.
	require.Equal(t, 1, fake.callCount())
}

func TestStore_Acquire_NilClientStartsLocal(t *testing.T) {
	t.Parallel()

	s, err := New(&Config{Logger: testLogger(), TTL: time.Minute, Prefix: "sched"})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Degraded())

	ctx := context.Background()
	minute := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	require.True(t, s.Acquire(ctx, 2, 9, minute, domain.ActionOff))
	require.False(t, s.Acquire(ctx, 2, 9, minute, domain.ActionOff))
}

func TestStore_TTLFloor(t *testing.T) {
	t.Parallel()

	s, err := New(&Config{Logger: testLogger(), Client: &fakeRedis{}, TTL: time.Second})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, minTTL, s.ttl)
}
