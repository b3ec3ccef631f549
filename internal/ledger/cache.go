package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	agingVersionPrefix = "ledger:aging:version"
	agingKeyPrefix     = "ledger:aging"
	agingBumpChannel   = "ledger.aging.bump"
)

// RedisAgingCache caches aging buckets per account. Every account carries its own version
// counter so recalculating one account never evicts another's entries. Redis failures are
// logged and served from the loader.
type RedisAgingCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisAgingCache instantiates the cache helper.
func NewRedisAgingCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisAgingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisAgingCache{client: client, ttl: ttl, logger: logger}
}

func versionKey(accountID int64) string {
	return agingVersionPrefix + ":" + strconv.FormatInt(accountID, 10)
}

// Version returns the current cache version of the account, initialising when missing.
func (c *RedisAgingCache) Version(ctx context.Context, accountID int64) (int64, error) {
	key := versionKey(accountID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the entry key for an account and reference date at the current version.
func (c *RedisAgingCache) BuildKey(ctx context.Context, accountID int64, asOf time.Time) (string, error) {
	ver, err := c.Version(ctx, accountID)
	if err != nil {
		return "", err
	}
	parts := []string{agingKeyPrefix, strconv.FormatInt(accountID, 10), asOf.UTC().Format(time.RFC3339), strconv.FormatInt(ver, 10)}
	return strings.Join(parts, ":"), nil
}

// Fetch returns the cached bucket or populates it using loader. When Redis is unavailable the
// loader result is returned uncached.
func (c *RedisAgingCache) Fetch(ctx context.Context, accountID int64, asOf time.Time, loader func(context.Context) (AgingBucket, error)) (AgingBucket, error) {
	if loader == nil {
		return AgingBucket{}, errors.New("ledger: aging loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.BuildKey(ctx, accountID, asOf)
	if err != nil {
		c.warn("aging cache key", accountID, err)
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var bucket AgingBucket
		if err := json.Unmarshal(payload, &bucket); err == nil {
			return bucket, nil
		}
	case !errors.Is(err, redis.Nil):
		c.warn("aging cache get", accountID, err)
		return loader(ctx)
	}

	bucket, err := loader(ctx)
	if err != nil {
		return AgingBucket{}, err
	}
	raw, err := json.Marshal(bucket)
	if err != nil {
		return bucket, nil
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.warn("aging cache set", accountID, err)
	}
	return bucket, nil
}

func (c *RedisAgingCache) warn(msg string, accountID int64, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, slog.Int64("account_id", accountID), slog.Any("error", err))
	}
}

// Invalidate bumps the account version and publishes the new value.
func (c *RedisAgingCache) Invalidate(ctx context.Context, accountID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(accountID)).Result()
	if err != nil {
		return err
	}
	msg := strconv.FormatInt(accountID, 10) + ":" + strconv.FormatInt(ver, 10)
	return c.client.Publish(ctx, agingBumpChannel, msg).Err()
}
