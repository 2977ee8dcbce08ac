// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore implements fixed-window rate limiting backed by Redis.
// It is safe for use across multiple API instances since the window state
// lives in Redis rather than process memory.
//
// On Redis errors the store fails open: the request is allowed and the full
// quota is reported. Rate limiting is a protection layer, not a correctness
// requirement, so availability wins over strictness here.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// WithMetrics attaches middleware metrics so fail-open events are counted.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow checks whether a request for the given key is within the configured
// window. It returns whether the request is allowed, how many requests remain
// in the current window, and (when blocked) the seconds until the window resets.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen(ctx, key, err)
		return true, config.RequestsPerWindow, 0
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	// Blocked: report when the window resets
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = config.WindowDuration
	}
	retryAfter := int(ttl / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, key string, err error) {
	slog.WarnContext(ctx, "rate limit check failed, allowing request",
		"key", key,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
}

// redisStoreAdapter bridges RedisRateLimitStore to the two-value
// RateLimitStore interface used by the RateLimiter middleware.
type redisStoreAdapter struct {
	store *RedisRateLimitStore
}

// Allow implements RateLimitStore.
func (a redisStoreAdapter) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	allowed, _, retryAfter := a.store.Allow(ctx, key, config)
	return allowed, retryAfter
}

// Store returns the RateLimitStore view of the Redis store for use with RateLimiter.
func (s *RedisRateLimitStore) Store() RateLimitStore {
	return redisStoreAdapter{store: s}
}
