// Package client provides the upstream OpenF1 HTTP client with
// classification-based retry and exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Prometheus metrics for upstream operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_upstream_requests_total",
		Help: "Total upstream attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openf1_upstream_request_duration_seconds",
		Help:    "Upstream fetch duration in seconds by endpoint, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the public OpenF1 API.
const DefaultBaseURL = "https://api.openf1.org/v1"

// DefaultMaxBodyBytes bounds a single upstream payload.
const DefaultMaxBodyBytes = 64 << 20

// Doer performs an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResponseObserver is told about every upstream response, successful or not.
type ResponseObserver interface {
	ObserveResponse(ctx context.Context, statusCode int, header http.Header)
}

// Client fetches raw JSON payloads from the upstream API.
type Client struct {
	httpClient Doer
	baseURL    string
	observer   ResponseObserver
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the upstream API, without trailing slash.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP attempt when HTTPClient is not set.
	Timeout time.Duration

	// Retry policy applied to every fetch.
	Retry RetryConfig

	// MaxBodyBytes rejects larger payloads. 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// HTTPClient overrides the transport (for testing).
	HTTPClient Doer

	// Observer receives upstream responses (e.g. a rate limit tracker).
	Observer ResponseObserver
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		UserAgent:    "openf1-proxy/0.1.0",
		Timeout:      30 * time.Second,
		Retry:        DefaultRetryConfig(),
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Retry.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseBackoff < 0 {
		return nil, fmt.Errorf("base_backoff must not be negative (got %s)", cfg.Retry.BaseBackoff)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		observer:   cfg.Observer,
		config:     cfg,
		logger:     log.With().Str("component", "upstream-client").Logger(),
	}, nil
}

// Fetch performs a GET on path with query, retrying per the configured policy.
// The returned payload is the raw upstream JSON.
func (c *Client) Fetch(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	endpoint := "/" + strings.Trim(path, "/")

	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	return Retry(ctx, c.config.Retry, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		return c.fetchOnce(ctx, endpoint, query, attempt)
	})
}

// fetchOnce performs a single attempt and classifies its outcome.
func (c *Client) fetchOnce(ctx context.Context, endpoint string, query url.Values, attempt int) (json.RawMessage, error) {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UpstreamError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("attempt", attempt).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &UpstreamError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.observer != nil {
		c.observer.ObserveResponse(ctx, resp.StatusCode, resp.Header)
	}

	status := strconv.Itoa(resp.StatusCode)
	upstreamRequestsTotal.WithLabelValues(endpoint, status).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		errClass := classifyStatus(resp.StatusCode)
		upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()

		upstreamErr := &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
		if errClass == ErrorClassRateLimit {
			upstreamErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Dur("retry_after", upstreamErr.RetryAfter).
			Msg("Upstream request error")

		return nil, upstreamErr
	}

	limit := c.config.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}
	if int64(len(body)) > limit {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassTooLarge)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int64("limit_bytes", limit).
			Msg("Upstream response body too large")
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassTooLarge,
			Message:    fmt.Sprintf("response body exceeds %d bytes", limit),
		}
	}

	if !gjson.ValidBytes(body) {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "response body is not valid JSON",
		}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Int64("records", gjson.GetBytes(body, "#").Int()).
		Msg("Upstream request succeeded")

	return json.RawMessage(body), nil
}
