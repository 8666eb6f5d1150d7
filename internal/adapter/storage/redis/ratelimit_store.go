package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/ports"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimitStore implements ports.RateLimiter with a sliding window kept in
// a sorted set per key. When Redis is unreachable it falls back to an
// in-process token bucket per key.
type RateLimitStore struct {
	client *goredis.Client
	keys   Keyspace
	clock  clock.Clock
	log    zerolog.Logger

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// NewRateLimitStore creates a new Redis-backed rate limit store.
func NewRateLimitStore(client *goredis.Client, clk clock.Clock, log zerolog.Logger) *RateLimitStore {
	return &RateLimitStore{
		client:   client,
		keys:     NewKeyspace(client, NamespaceRateLimit),
		clock:    clk,
		log:      log,
		fallback: make(map[string]*rate.Limiter),
	}
}

// slidingWindowScript returns {allowed, count, oldest score}.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// Allow records one operation under key if fewer than limit happened in the
// trailing window.
func (s *RateLimitStore) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ports.RateLimitResult, error) {
	if limit <= 0 {
		return &ports.RateLimitResult{Allowed: true}, nil
	}

	now := s.clock.Now().UnixMilli()
	windowMs := window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.keys.Key(key)},
		now, windowMs, limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("redis rate limiter failed, using fallback")
		return s.allowLocal(key, limit, window), nil
	}

	allowed := res[0] == 1
	count := res[1]
	result := &ports.RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
	}
	if !allowed {
		result.RetryAfter = time.Duration(res[2]+windowMs-now) * time.Millisecond
		if result.RetryAfter <= 0 {
			result.RetryAfter = time.Millisecond
		}
	}
	return result, nil
}

func (s *RateLimitStore) allowLocal(key string, limit int64, window time.Duration) *ports.RateLimitResult {
	s.mu.Lock()
	l, ok := s.fallback[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), int(limit))
		s.fallback[key] = l
	}
	s.mu.Unlock()

	if l.Allow() {
		return &ports.RateLimitResult{Allowed: true, Limit: limit, Remaining: int64(l.Tokens())}
	}
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	return &ports.RateLimitResult{Allowed: false, Limit: limit, RetryAfter: delay}
}

// Reset drops the window of key.
func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keys.Key(key)).Err(); err != nil {
		return fmt.Errorf("redis rate limit reset: %w", err)
	}
	return nil
}
