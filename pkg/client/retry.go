package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openf1_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, the initial one included.
	MaxRetries int

	// BaseBackoff is the wait after attempt 0; attempt n waits 2^n * BaseBackoff.
	BaseBackoff time.Duration

	// MaxBackoff caps the computed backoff. 0 means uncapped.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
	}
}

// Backoff returns 2^attempt * BaseBackoff, capped at MaxBackoff when set.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := c.BaseBackoff << uint(attempt)
	if backoff < 0 {
		backoff = time.Duration(math.MaxInt64)
	}
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// Delay returns the wait before the attempt following a failed attempt.
// Rate limited attempts wait max(Retry-After, backoff).
func (c RetryConfig) Delay(attempt int, err error) time.Duration {
	backoff := c.Backoff(attempt)

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.ErrorClass == ErrorClassRateLimit {
		if upstreamErr.RetryAfter > backoff {
			return upstreamErr.RetryAfter
		}
	}
	return backoff
}

// Retry executes fn with classification-based retry logic. fn receives the
// zero-based attempt number. Client errors fail after one attempt; every
// other class is retried up to MaxRetries attempts in total. No wait follows
// the final attempt.
func Retry[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		lastErr    error
		errorClass ErrorClass
	)

	for attempt := 0; attempt < attempts; attempt++ {
		value, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return value, nil
		}

		lastErr = err
		errorClass = Classify(err)

		if !shouldRetry(errorClass) {
			return zero, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := config.Delay(attempt, err)
		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())

		log.Warn().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Request failed, retrying after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	log.Error().
		Err(lastErr).
		Str("error_class", string(errorClass)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

// ParseRetryAfter reads a Retry-After value given as delta-seconds or an HTTP date.
// Returns 0 when absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
