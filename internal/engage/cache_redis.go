package engage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueryCache implements QueryCache on Redis, sharing cached results and
// invalidations across service instances.
type RedisQueryCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisQueryCache creates a Redis-backed query cache.
func NewRedisQueryCache(client *redis.Client, logger *zap.Logger) *RedisQueryCache {
	return &RedisQueryCache{client: client, logger: logger}
}

func (c *RedisQueryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.Error(err), zap.String("key", key))
		return nil, false
	}
	return value, true
}

func (c *RedisQueryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err), zap.String("key", key))
	}
}

// Invalidate scans for the identity's key prefix and deletes in batches.
// SCAN keeps the walk incremental; the key space per identity is small
// (one entry per distinct dashboard query).
func (c *RedisQueryCache) Invalidate(ctx context.Context, identityID string) {
	pattern := cachePrefix(identityID) + "*"

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.Warn("cache invalidation scan failed",
				zap.Error(err),
				zap.String("identity_id", identityID),
			)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache invalidation delete failed", zap.Error(err))
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
