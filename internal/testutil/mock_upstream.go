// Package testutil provides testing utilities for the OpenF1 proxy.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one scripted upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockRequest records one request received by the mock.
type MockRequest struct {
	Path     string
	RawQuery string
	Header   http.Header
	At       time.Time
}

// MockUpstream is a scriptable stand-in for the OpenF1 API.
// Each path replays its scripted responses in order; the last one repeats.
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	served   map[string]int
	requests []MockRequest
}

// NewMockUpstream creates and starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		scripts: make(map[string][]MockResponse),
		served:  make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// SetResponses scripts the responses for a path.
func (m *MockUpstream) SetResponses(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = responses
	m.served[path] = 0
}

// Requests returns a copy of every request received so far.
func (m *MockUpstream) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests received for path ("" for all).
func (m *MockUpstream) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == "" {
		return len(m.requests)
	}
	count := 0
	for _, r := range m.requests {
		if r.Path == path {
			count++
		}
	}
	return count
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		At:       time.Now(),
	})

	script, ok := m.scripts[r.URL.Path]
	var resp MockResponse
	if ok && len(script) > 0 {
		i := m.served[r.URL.Path]
		if i >= len(script) {
			i = len(script) - 1
		}
		resp = script[i]
		m.served[r.URL.Path]++
	}
	m.mu.Unlock()

	if !ok {
		resp = NewJSONResponse(`[]`)
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewStatusResponse creates an error response with the given status.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"detail": "` + http.StatusText(status) + `"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 response, with Retry-After when non-empty.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := NewStatusResponse(http.StatusTooManyRequests)
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}
