package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DedupCache implements ports.DedupCache using SET NX in the cache namespace.
type DedupCache struct {
	client *goredis.Client
	keys   Keyspace
}

// NewDedupCache creates a new Redis-backed dedup cache.
func NewDedupCache(client *goredis.Client) *DedupCache {
	return &DedupCache{
		client: client,
		keys:   NewKeyspace(client, NamespaceCache),
	}
}

func (c *DedupCache) key(k string) string {
	return c.keys.Key("inbound", k)
}

// Claim atomically marks key as seen.
// Returns true if the key is new, false if already claimed.
func (c *DedupCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, err := c.client.SetArgs(ctx, c.key(key), 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis dedup claim: %w", err)
	}
	return true, nil
}

// Release forgets key.
func (c *DedupCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis dedup release: %w", err)
	}
	return nil
}
