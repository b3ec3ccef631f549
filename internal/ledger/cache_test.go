package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisAgingCacheInvalidatesPerAccount(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	asOf := day(2024, 2, 15)

	loads := map[int64]int{}
	loader := func(id int64) func(context.Context) (AgingBucket, error) {
		return func(context.Context) (AgingBucket, error) {
			loads[id]++
			return AgingBucket{Current: dec("10")}, nil
		}
	}

	for i := 0; i < 2; i++ {
		for _, id := range []int64{1, 2} {
			bucket, err := cache.Fetch(ctx, id, asOf, loader(id))
			require.NoError(t, err)
			requireDecimal(t, "10", bucket.Current)
		}
	}
	require.Equal(t, 1, loads[1])
	require.Equal(t, 1, loads[2])

	require.NoError(t, cache.Invalidate(ctx, 1))

	_, err := cache.Fetch(ctx, 1, asOf, loader(1))
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, 2, asOf, loader(2))
	require.NoError(t, err)
	require.Equal(t, 2, loads[1])
	require.Equal(t, 1, loads[2])

	ver, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)
}

func TestRedisAgingCacheNilFallsBackToLoader(t *testing.T) {
	var cache *RedisAgingCache
	bucket, err := cache.Fetch(context.Background(), 1, day(2024, 1, 1), func(context.Context) (AgingBucket, error) {
		return AgingBucket{Days90: dec("5")}, nil
	})
	require.NoError(t, err)
	requireDecimal(t, "5", bucket.Days90)
	require.NoError(t, cache.Invalidate(context.Background(), 1))
}

func TestRedisAgingCacheServesLoaderWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisAgingCache(client, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mr.Close()

	loads := 0
	bucket, err := cache.Fetch(context.Background(), 7, day(2024, 2, 15), func(context.Context) (AgingBucket, error) {
		loads++
		return AgingBucket{Days30: dec("600")}, nil
	})
	require.NoError(t, err)
	requireDecimal(t, "600", bucket.Days30)
	require.Equal(t, 1, loads)

	boom := errors.New("db down")
	_, err = cache.Fetch(context.Background(), 7, day(2024, 2, 15), func(context.Context) (AgingBucket, error) {
		return AgingBucket{}, boom
	})
	require.ErrorIs(t, err, boom)
}
