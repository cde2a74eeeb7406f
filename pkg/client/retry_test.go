package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseBackoff: 10 * time.Millisecond}
}

func serverErr() error {
	return &UpstreamError{StatusCode: 500, ErrorClass: ErrorClassServer, Message: "500 Internal Server Error"}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.BaseBackoff != 500*time.Millisecond {
		t.Errorf("BaseBackoff = %v, want 500ms", config.BaseBackoff)
	}
	if config.MaxBackoff != 0 {
		t.Errorf("MaxBackoff = %v, want uncapped", config.MaxBackoff)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := DefaultRetryConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	config.MaxBackoff = 1500 * time.Millisecond
	if got := config.Backoff(3); got != 1500*time.Millisecond {
		t.Errorf("Backoff(3) with cap = %v, want 1.5s", got)
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	config := DefaultRetryConfig()

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{
			name:    "server error uses backoff",
			attempt: 1,
			err:     serverErr(),
			want:    time.Second,
		},
		{
			name:    "retry-after larger than backoff wins",
			attempt: 0,
			err:     &UpstreamError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: 5 * time.Second},
			want:    5 * time.Second,
		},
		{
			name:    "backoff larger than retry-after wins",
			attempt: 2,
			err:     &UpstreamError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: time.Second},
			want:    2 * time.Second,
		},
		{
			name:    "rate limit without retry-after uses backoff",
			attempt: 0,
			err:     &UpstreamError{StatusCode: 429, ErrorClass: ErrorClassRateLimit},
			want:    500 * time.Millisecond,
		},
		{
			name:    "plain network error uses backoff",
			attempt: 0,
			err:     errors.New("connection refused"),
			want:    500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := config.Delay(tt.attempt, tt.err); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "5", 5 * time.Second},
		{"padded seconds", " 2 ", 2 * time.Second},
		{"negative", "-3", 0},
		{"http date", now.Add(7 * time.Second).Format(http.TimeFormat), 7 * time.Second},
		{"date in the past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	value, err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) (string, error) {
		callCount++
		return "ok", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if value != "ok" {
		t.Errorf("value = %q, want ok", value)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	var attempts []int
	value, err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) (int, error) {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return 0, serverErr()
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
	if len(attempts) != 3 || attempts[0] != 0 || attempts[2] != 2 {
		t.Errorf("attempts = %v, want [0 1 2]", attempts)
	}
}

func TestRetry_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context, attempt int) (string, error) {
		callCount++
		return "", serverErr()
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) || upstreamErr.StatusCode != 500 {
		t.Errorf("Expected wrapped UpstreamError with status 500, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxRetries), got %d", callCount)
	}
}

func TestRetry_NoWaitAfterFinalAttempt(t *testing.T) {
	config := RetryConfig{MaxRetries: 1, BaseBackoff: time.Second}

	start := time.Now()
	_, err := Retry(context.Background(), config, func(ctx context.Context, attempt int) (string, error) {
		return "", serverErr()
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Final failure should not wait, took %v", elapsed)
	}
}

func TestRetry_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	clientErr := &UpstreamError{StatusCode: 404, ErrorClass: ErrorClassClient, Message: "404 Not Found"}

	start := time.Now()
	_, err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context, attempt int) (string, error) {
		callCount++
		return "", clientErr
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors")
	}
	if !errors.Is(err, clientErr) {
		t.Errorf("Expected original error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Client error should not incur backoff, took %v", elapsed)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	_, err := Retry(ctx, RetryConfig{MaxRetries: 3, BaseBackoff: time.Second}, func(ctx context.Context, attempt int) (string, error) {
		callCount++
		cancel()
		return "", serverErr()
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestRetry_ZeroMaxRetriesStillAttemptsOnce(t *testing.T) {
	callCount := 0
	_, _ = Retry(context.Background(), RetryConfig{}, func(ctx context.Context, attempt int) (string, error) {
		callCount++
		return "", serverErr()
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_ExponentialSpacing(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, BaseBackoff: 50 * time.Millisecond}

	var timestamps []time.Time
	_, _ = Retry(context.Background(), config, func(ctx context.Context, attempt int) (string, error) {
		timestamps = append(timestamps, time.Now())
		return "", serverErr()
	})

	if len(timestamps) != 3 {
		t.Fatalf("Expected 3 timestamps, got %d", len(timestamps))
	}

	firstDelay := timestamps[1].Sub(timestamps[0])
	secondDelay := timestamps[2].Sub(timestamps[1])

	if firstDelay < 50*time.Millisecond {
		t.Errorf("First delay %v shorter than 50ms", firstDelay)
	}
	if secondDelay < 100*time.Millisecond {
		t.Errorf("Second delay %v shorter than 100ms", secondDelay)
	}
}
