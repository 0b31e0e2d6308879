package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/services/eventflo/config"
)

// ErrCacheMiss is returned by Get when the key is absent or expired
var ErrCacheMiss = errors.New("key not found in cache")

// Cache stores JSON-serialisable values by key
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New returns a Redis cache when Redis is enabled and an in-process cache otherwise
func New(cfg config.RedisConfig) (Cache, error) {
	if cfg.Enabled {
		return NewRedisCache(cfg)
	}
	return NewLocalCache(cfg.TTL), nil
}

// EventCacheKey generates a cache key for a terminal event
func EventCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("event:%s", id.String())
}
