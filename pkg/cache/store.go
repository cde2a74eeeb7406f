package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("cache closed")
)

// Store is a keyed value store with per-entry expiry.
// Implementations are safe for concurrent use.
type Store[V any] interface {
	// Get returns the value iff a live entry exists; otherwise ErrCacheMiss.
	Get(ctx context.Context, key string) (V, error)

	// Set inserts or overwrites key. A non-positive ttl stores nothing.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases background resources.
	Close() error
}
