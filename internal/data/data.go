// Package data provides data access layer implementations.
package data

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewMySQLClient,
	NewRedisClient,
	NewCacheClient,
)

// Data holds the shared data-layer clients.
type Data struct {
	redis  *redis.Client
	cache  CacheClient
	logger *log.Helper
}

// NewData creates the shared data-layer container.
func NewData(redisClient *redis.Client, cache CacheClient, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	d := &Data{
		redis:  redisClient,
		cache:  cache,
		logger: helper,
	}

	cleanup := func() {
		helper.Info("closing data resources")
	}
	return d, cleanup, nil
}

// GetCache returns the cache client.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedis returns the raw Redis client. May be nil when Redis is down.
func (d *Data) GetRedis() *redis.Client {
	return d.redis
}
