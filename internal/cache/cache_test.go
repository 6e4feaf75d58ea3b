package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestCache_GetSet(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewCache(client, "test:")
	ctx := context.Background()

	var got map[string]int
	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrMiss)

	require.NoError(t, c.Set(ctx, "k", map[string]int{"a": 1}, time.Minute))
	assert.True(t, mr.Exists("test:k"))
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, map[string]int{"a": 1}, got)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)

	require.NoError(t, c.Set(ctx, "k2", true, 0))
	require.NoError(t, c.Delete(ctx, "k2"))
	assert.False(t, mr.Exists("test:k2"))
}

func TestLocker_SingleHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewLocker(client, "lock:")
	ctx := context.Background()

	lease, ok, err := l.TryAcquire(ctx, "source-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "source-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryAcquire(ctx, "source-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Extend(ctx, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("lock:source-1"))

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)

	_, ok, err = l.TryAcquire(ctx, "source-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewLocker(client, "lock:")
	ctx := context.Background()

	stale, ok, err := l.TryAcquire(ctx, "s", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryAcquire(ctx, "s", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.ErrorIs(t, stale.Extend(ctx, time.Minute), ErrNotHeld)
	assert.True(t, mr.Exists("lock:s"))
}
