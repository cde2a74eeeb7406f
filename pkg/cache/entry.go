package cache

import (
	"time"
)

// Entry is a cached upstream payload. Entries are never mutated in place;
// a refill replaces the whole entry.
type Entry[V any] struct {
	// Key is the rendered cache key.
	Key string `json:"key"`

	// Value is the opaque payload.
	Value V `json:"value"`

	// CachedAt is when the entry was inserted.
	CachedAt time.Time `json:"cached_at"`

	// ExpiresAt is CachedAt + TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// NewEntry builds an entry inserted at now that lives for ttl.
func NewEntry[V any](key string, value V, now time.Time, ttl time.Duration) Entry[V] {
	return Entry[V]{
		Key:       key,
		Value:     value,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpiredAt reports whether the entry is absent at now.
// The boundary is inclusive: an entry is gone once now >= ExpiresAt.
func (e *Entry[V]) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTLAt returns the time left at now.
// Returns 0 if already expired.
func (e *Entry[V]) TTLAt(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
