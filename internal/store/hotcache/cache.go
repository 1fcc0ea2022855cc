// Package hotcache is the served-view cache: string-keyed get/set with TTL
// and pattern scans for invalidation. No transactional guarantees; the
// analytical store is the source of truth and the cache converges to it.
package hotcache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Cache wraps the Redis client used for served views.
type Cache struct {
	client *goredis.Client
}

// New wraps an existing client.
func New(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

// Get returns the raw value for key. Found is false on cache miss.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes key with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes one key. Missing keys are not an error (invalidation is
// at-least-once).
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

// DeletePattern removes every key matching a glob pattern via cursor scans,
// never KEYS. Used for instrument-wide invalidation.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("cache del: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Ping reports cache reachability for the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
