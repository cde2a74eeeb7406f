package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "openf1:"

// RedisStore is a Store backed by Redis, shared by every proxy instance
// pointing at the same server. Values are JSON encoded.
type RedisStore[V any] struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed store. The client is owned by the caller.
func NewRedisStore[V any](redisClient *redis.Client, prefix string) *RedisStore[V] {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore[V]{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
		logger: log.With().Str("component", "cache").Str("backend", backendRedis).Logger(),
	}
}

// WithClock replaces the clock used for expiry checks (for tests).
func (s *RedisStore[V]) WithClock(clock func() time.Time) *RedisStore[V] {
	s.now = clock
	return s
}

// Get retrieves a value by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V

	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return zero, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return zero, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry[V]
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return zero, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Redis expires the key itself; this covers clock skew between instances.
	if entry.IsExpiredAt(s.now()) {
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("Failed to evict expired entry")
		}
		CacheEvictions.WithLabelValues(backendRedis, "expired").Inc()
		CacheMisses.WithLabelValues(backendRedis).Inc()
		return zero, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendRedis).Inc()
	return entry.Value, nil
}

// Set stores a value with the given TTL.
// The entry will be automatically removed from Redis when it expires.
func (s *RedisStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	entry := NewEntry(key, value, s.now(), ttl)
	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry.
func (s *RedisStore[V]) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefix+key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore[V]) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is closed by its owner.
func (s *RedisStore[V]) Close() error {
	return nil
}
