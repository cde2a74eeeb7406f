package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/openf1-proxy/pkg/client"
)

// Prometheus metrics for cooldown tracking.
var (
	upstreamCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openf1_upstream_cooldown_seconds",
		Help: "Cooldown requested by the last upstream 429 Retry-After, in seconds",
	})

	upstreamRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openf1_upstream_rate_limited_total",
		Help: "Total number of 429 responses received from the upstream",
	})
)

// Tracker records upstream cooldowns announced by 429 responses.
// It satisfies client.ResponseObserver. The Redis client is optional; when
// set, the cooldown is shared with every instance using the same server.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state CooldownState
}

// NewTracker creates a new cooldown tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the tracker clock (for tests).
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.now = clock
	return t
}

// ObserveResponse implements client.ResponseObserver.
func (t *Tracker) ObserveResponse(ctx context.Context, statusCode int, header http.Header) {
	if err := t.UpdateFromResponse(ctx, statusCode, header); err != nil {
		t.logger.Warn().Err(err).Int("status", statusCode).Msg("Failed to record upstream cooldown")
	}
}

// UpdateFromResponse records a cooldown when the response is a 429 carrying
// Retry-After. Any other response is ignored. A shorter cooldown never
// replaces a longer one that is still running.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, header http.Header) error {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}
	upstreamRateLimitedTotal.Inc()

	now := t.now()
	retryAfter := client.ParseRetryAfter(header.Get("Retry-After"), now)
	if retryAfter <= 0 {
		return nil
	}
	until := now.Add(retryAfter)

	t.mu.Lock()
	if until.After(t.state.CooldownUntil) {
		t.state = CooldownState{
			CooldownUntil: until,
			LastStatus:    statusCode,
			LastUpdate:    now,
		}
	}
	t.mu.Unlock()

	upstreamCooldownSeconds.Set(retryAfter.Seconds())

	t.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("cooldown_until", until).
		Msg("Upstream rate limited, cooling down")

	if t.redis == nil {
		return nil
	}

	// Keys expire with the cooldown, so an absent key means no cooldown.
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, until.UnixMilli(), retryAfter)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), retryAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}
	return nil
}

// GetState returns the current cooldown, merging the shared Redis state
// with the local one. Without any recorded cooldown the zero state is returned.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if t.redis == nil {
		return &state, nil
	}

	untilMs, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &state, nil
		}
		return &state, fmt.Errorf("get cooldown until: %w", err)
	}

	shared := time.UnixMilli(untilMs)
	if shared.After(state.CooldownUntil) {
		state.CooldownUntil = shared
		state.LastStatus = http.StatusTooManyRequests
		if lastMs, err := t.redis.Get(ctx, RedisKeyLastUpdate).Int64(); err == nil {
			state.LastUpdate = time.UnixMilli(lastMs)
		}
	}
	return &state, nil
}

// CooldownUntil returns the earliest time the upstream may be called again.
// The zero time means no cooldown is known.
func (t *Tracker) CooldownUntil(ctx context.Context) (time.Time, error) {
	state, err := t.GetState(ctx)
	return state.CooldownUntil, err
}

// Remaining returns how long the scheduler should still hold off.
func (t *Tracker) Remaining(ctx context.Context) time.Duration {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Falling back to local cooldown state")
	}
	return state.Remaining(t.now())
}
