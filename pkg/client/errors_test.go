package client

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"decode error should retry", ErrorClassDecode, true},
		{"oversized body should not retry", ErrorClassTooLarge, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{422, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{304, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	upstreamErr := &UpstreamError{StatusCode: 404, ErrorClass: ErrorClassClient, Message: "404 Not Found"}

	if got := Classify(upstreamErr); got != ErrorClassClient {
		t.Errorf("Classify(direct) = %q, want client", got)
	}
	if got := Classify(fmt.Errorf("wrapped: %w", upstreamErr)); got != ErrorClassClient {
		t.Errorf("Classify(wrapped) = %q, want client", got)
	}
	if got := Classify(errors.New("dial tcp: refused")); got != ErrorClassNetwork {
		t.Errorf("Classify(plain) = %q, want network", got)
	}
}

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &UpstreamError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        errors.New("connection reset"),
			},
			expected: "upstream network error (status 0): request failed: connection reset",
		},
		{
			name: "error without wrapped error",
			err: &UpstreamError{
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "503 Service Unavailable",
			},
			expected: "upstream server error (status 503): 503 Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestUpstreamError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &UpstreamError{ErrorClass: ErrorClassNetwork, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	if !strings.Contains(err.Error(), "inner") {
		t.Errorf("Error() should mention the wrapped error, got %q", err.Error())
	}
}
