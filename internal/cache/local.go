package cache

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

const defaultLocalTTL = 5 * time.Minute

// LocalCache is an in-process cache used when Redis is disabled.
// Values are stored as JSON so callers get the same copy semantics as with Redis.
type LocalCache struct {
	gocache *gocache.Cache
	exp     time.Duration
}

// NewLocalCache creates a local cache whose entries expire after ttl
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = defaultLocalTTL
	}
	return &LocalCache{
		gocache: gocache.New(ttl, 2*ttl),
		exp:     ttl,
	}
}

func (c *LocalCache) Get(_ context.Context, key string, value interface{}) error {
	raw, found := c.gocache.Get(key)
	if !found {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(raw.([]byte), value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores value. A zero expiration uses the cache TTL.
func (c *LocalCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}
	if expiration <= 0 {
		expiration = c.exp
	}
	c.gocache.Set(key, data, expiration)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.gocache.Delete(key)
	return nil
}

// ItemCount reports how many entries are cached, including expired ones not yet evicted
func (c *LocalCache) ItemCount() int {
	return c.gocache.ItemCount()
}

func (c *LocalCache) Close() error {
	c.gocache.Flush()
	return nil
}
