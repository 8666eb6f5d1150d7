package redis_test

import (
	"context"
	"testing"
	"time"

	"travel-event-core/internal/adapter/storage/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockStore(t *testing.T) {
	mr, client, _ := newTestRedis(t)
	locks := redis.NewLockStore(client)
	ctx := context.Background()

	t.Run("acquire is exclusive", func(t *testing.T) {
		ok, err := locks.Acquire(ctx, "job:1", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = locks.Acquire(ctx, "job:1", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		owner, err := locks.Owner(ctx, "job:1")
		require.NoError(t, err)
		assert.Equal(t, "a", owner)
		assert.True(t, mr.Exists("lock:job:1"))
	})

	t.Run("release requires ownership", func(t *testing.T) {
		ok, err := locks.Release(ctx, "job:1", "b")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = locks.Release(ctx, "job:1", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		owner, err := locks.Owner(ctx, "job:1")
		require.NoError(t, err)
		assert.Empty(t, owner)
	})

	t.Run("expires after ttl", func(t *testing.T) {
		ok, err := locks.Acquire(ctx, "job:2", "a", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		ok, err = locks.Acquire(ctx, "job:2", "b", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("extend only for owner", func(t *testing.T) {
		ok, err := locks.Acquire(ctx, "job:3", "a", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = locks.Extend(ctx, "job:3", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = locks.Extend(ctx, "job:3", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		mr.FastForward(5 * time.Second)
		owner, err := locks.Owner(ctx, "job:3")
		require.NoError(t, err)
		assert.Equal(t, "a", owner)
	})
}
