package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Cache key prefixes. One prefix per entity keeps invalidation targeted.
const (
	CacheKeyAccount      = "account"
	CacheKeyUsage        = "usage"
	CacheKeySettings     = "settings"
	CacheKeyOAuthSession = "oauth_session"
)

// Cache TTLs.
// 账号 5 分钟：写路径都会主动失效，TTL 只是兜底
const (
	TTLAccount      = 5 * time.Minute
	TTLSettings     = 5 * time.Minute
	TTLOAuthSession = 10 * time.Minute
)

// ErrCacheNotFound is returned when a key does not exist in the cache.
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient abstracts cache operations so the repos never touch the
// Redis client directly and degrade gracefully when Redis is unavailable.
type CacheClient interface {
	// Get retrieves a value by key and unmarshals it into dest.
	// Returns ErrCacheNotFound when the key does not exist.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores a value with the given TTL. The value is JSON-marshaled.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether a key exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// BuildCacheKey joins a prefix and parts into a stable cache key.
func BuildCacheKey(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// redisCache is the Redis-backed CacheClient implementation.
type redisCache struct {
	client *redis.Client
	logger *log.Helper
}

// NewCacheClient creates a CacheClient backed by Redis.
// A nil Redis client yields a no-op cache so the data layer keeps working
// off the database alone.
func NewCacheClient(client *redis.Client, logger log.Logger) CacheClient {
	helper := log.NewHelper(logger)
	if client == nil {
		helper.Warn("Redis client is nil, using no-op cache")
		return &noopCache{}
	}
	return &redisCache{
		client: client,
		logger: helper,
	}
}

// Get implements CacheClient.
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		c.logger.Warnw("cache get failed", "key", key, "error", err)
		return fmt.Errorf("cache get: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		// Corrupted entry: drop it so the next read repopulates.
		c.logger.Warnw("cache entry corrupted, deleting", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return ErrCacheNotFound
	}
	return nil
}

// Set implements CacheClient.
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warnw("cache set failed", "key", key, "error", err)
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements CacheClient.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warnw("cache delete failed", "key", key, "error", err)
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Exists implements CacheClient.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists: %w", err)
	}
	return n > 0, nil
}

// noopCache satisfies CacheClient when Redis is unavailable.
// Every Get misses; writes succeed silently.
type noopCache struct{}

func (*noopCache) Get(_ context.Context, _ string, _ interface{}) error { return ErrCacheNotFound }
func (*noopCache) Set(_ context.Context, _ string, _ interface{}, _ time.Duration) error {
	return nil
}
func (*noopCache) Delete(_ context.Context, _ string) error        { return nil }
func (*noopCache) Exists(_ context.Context, _ string) (bool, error) { return false, nil }
