package repository

import (
	"context"
	"testing"
	"time"

	"staysync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisIdempotencyCache(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	repo := NewRedisIdempotencyCache(client)
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "key-1", "res-1", time.Hour))

		got, err := repo.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "res-1", got)
		assert.True(t, s.Exists("staysync:idem:key-1"))
	})

	t.Run("Miss", func(t *testing.T) {
		got, err := repo.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "short", "res-2", time.Second))
		s.FastForward(2 * time.Second)

		got, err := repo.Get(ctx, "short")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "gone", "res-3", time.Hour))
		require.NoError(t, repo.Delete(ctx, "gone"))

		got, _ := repo.Get(ctx, "gone")
		assert.Empty(t, got)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisIdempotencyCache(nil)
		_, err := repo.Get(ctx, "x")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("ServerDown", func(t *testing.T) {
		broken := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		defer broken.Close()

		_, err := NewRedisIdempotencyCache(broken).Get(ctx, "x")
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, Close(client))
		assert.NoError(t, Close(nil))
	})
}
