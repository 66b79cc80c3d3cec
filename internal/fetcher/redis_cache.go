package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix = "trenchcoat:fetch:"
	redisOpTimeout = 500 * time.Millisecond
)

// RedisCache shares provider responses between processes. Errors are
// logged and reported as misses; the cache never fails a fetch.
type RedisCache struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewRedisCache wraps an existing client
func NewRedisCache(client redis.Cmdable, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

// DialRedis connects using a redis:// URL or a bare host:port and pings it
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	v, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("redis cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		c.logger.Debug("redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

var _ Cache = (*RedisCache)(nil)
