package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// LockStore implements token-owned leases in the lock namespace.
type LockStore struct {
	client *goredis.Client
	keys   Keyspace
}

// NewLockStore creates a Redis-backed lock store.
func NewLockStore(client *goredis.Client) *LockStore {
	return &LockStore{
		client: client,
		keys:   NewKeyspace(client, NamespaceLock),
	}
}

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the caller still owns the lock.
var extendScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Acquire takes the named lock for ttl. Returns false if another token holds it.
func (s *LockStore) Acquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	_, err := s.client.SetArgs(ctx, s.keys.Key(name), token, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis lock acquire: %w", err)
	}
	return true, nil
}

// Release frees the named lock if token owns it.
func (s *LockStore) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.keys.Key(name)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock release: %w", err)
	}
	return n == 1, nil
}

// Extend pushes the expiry of an owned lock to ttl from now.
func (s *LockStore) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{s.keys.Key(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock extend: %w", err)
	}
	return n == 1, nil
}

// Owner returns the token holding the lock, or "" if free.
func (s *LockStore) Owner(ctx context.Context, name string) (string, error) {
	v, err := s.client.Get(ctx, s.keys.Key(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis lock owner: %w", err)
	}
	return v, nil
}
