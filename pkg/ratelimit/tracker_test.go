package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func rateLimitHeader(retryAfter string) http.Header {
	h := http.Header{}
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return h
}

func TestTracker_UpdateFromResponse(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantUntil  time.Time
	}{
		{
			name:       "429 with seconds",
			status:     http.StatusTooManyRequests,
			retryAfter: "5",
			wantUntil:  now.Add(5 * time.Second),
		},
		{
			name:       "429 with http date",
			status:     http.StatusTooManyRequests,
			retryAfter: now.Add(30 * time.Second).Format(http.TimeFormat),
			wantUntil:  now.Add(30 * time.Second),
		},
		{
			name:       "429 without header",
			status:     http.StatusTooManyRequests,
			retryAfter: "",
			wantUntil:  time.Time{},
		},
		{
			name:       "503 with header is ignored",
			status:     http.StatusServiceUnavailable,
			retryAfter: "5",
			wantUntil:  time.Time{},
		},
		{
			name:       "200 is ignored",
			status:     http.StatusOK,
			wantUntil:  time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil, testLogger()).WithClock(fixedClock(now))
			ctx := context.Background()

			if err := tracker.UpdateFromResponse(ctx, tt.status, rateLimitHeader(tt.retryAfter)); err != nil {
				t.Fatalf("UpdateFromResponse failed: %v", err)
			}

			until, err := tracker.CooldownUntil(ctx)
			if err != nil {
				t.Fatalf("CooldownUntil failed: %v", err)
			}
			if !until.Equal(tt.wantUntil) {
				t.Errorf("CooldownUntil() = %v, want %v", until, tt.wantUntil)
			}
		})
	}
}

func TestTracker_ShorterCooldownDoesNotShrink(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	tracker := NewTracker(nil, testLogger()).WithClock(fixedClock(now))
	ctx := context.Background()

	tracker.ObserveResponse(ctx, http.StatusTooManyRequests, rateLimitHeader("10"))
	tracker.ObserveResponse(ctx, http.StatusTooManyRequests, rateLimitHeader("2"))

	if got := tracker.Remaining(ctx); got != 10*time.Second {
		t.Errorf("Remaining() = %v, want 10s", got)
	}
}

func TestTracker_RemainingCountsDown(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	current := now
	tracker := NewTracker(nil, testLogger()).WithClock(func() time.Time { return current })
	ctx := context.Background()

	tracker.ObserveResponse(ctx, http.StatusTooManyRequests, rateLimitHeader("5"))

	current = now.Add(3 * time.Second)
	if got := tracker.Remaining(ctx); got != 2*time.Second {
		t.Errorf("Remaining() at +3s = %v, want 2s", got)
	}

	current = now.Add(6 * time.Second)
	if got := tracker.Remaining(ctx); got != 0 {
		t.Errorf("Remaining() at +6s = %v, want 0", got)
	}
}

func TestTracker_SharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	now := time.Now().Truncate(time.Millisecond)
	writer := NewTracker(redisClient, testLogger()).WithClock(fixedClock(now))
	reader := NewTracker(redisClient, testLogger()).WithClock(fixedClock(now))
	ctx := context.Background()

	if err := writer.UpdateFromResponse(ctx, http.StatusTooManyRequests, rateLimitHeader("7")); err != nil {
		t.Fatalf("UpdateFromResponse failed: %v", err)
	}

	if ttl := mr.TTL(RedisKeyCooldownUntil); ttl != 7*time.Second {
		t.Errorf("Redis TTL = %v, want 7s", ttl)
	}

	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.CooldownUntil.Equal(now.Add(7 * time.Second)) {
		t.Errorf("Shared CooldownUntil = %v, want %v", state.CooldownUntil, now.Add(7*time.Second))
	}
	if state.LastStatus != http.StatusTooManyRequests {
		t.Errorf("LastStatus = %d, want 429", state.LastStatus)
	}
	if !state.LastUpdate.Equal(now) {
		t.Errorf("LastUpdate = %v, want %v", state.LastUpdate, now)
	}

	mr.FastForward(8 * time.Second)

	state, err = reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.CooldownUntil.IsZero() {
		t.Errorf("Expected no cooldown after redis expiry, got %v", state.CooldownUntil)
	}
}

func TestTracker_RedisUnavailableFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer redisClient.Close()

	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	tracker := NewTracker(redisClient, testLogger()).WithClock(fixedClock(now))
	ctx := context.Background()

	mr.Close()

	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, rateLimitHeader("3")); err == nil {
		t.Error("Expected error storing cooldown with redis down")
	}
	if got := tracker.Remaining(ctx); got != 3*time.Second {
		t.Errorf("Remaining() = %v, want local 3s", got)
	}
}
