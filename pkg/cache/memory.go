package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendMemory = "memory"

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// MaxEntries bounds the number of keys held. 0 disables the bound.
	MaxEntries int

	// SweepInterval is how often the janitor drops expired entries.
	// 0 disables the janitor; expiry is then purely lazy.
	SweepInterval time.Duration

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// DefaultMemoryConfig returns the default in-memory cache configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries:    10000,
		SweepInterval: time.Minute,
		Clock:         time.Now,
	}
}

// MemoryStore is a process-local Store guarded by a single mutex.
type MemoryStore[V any] struct {
	mu      sync.Mutex
	entries map[string]Entry[V]
	closed  bool

	maxEntries int
	now        func() time.Time
	logger     zerolog.Logger

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its janitor.
func NewMemoryStore[V any](cfg MemoryConfig) *MemoryStore[V] {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}

	s := &MemoryStore[V]{
		entries:    make(map[string]Entry[V]),
		maxEntries: cfg.MaxEntries,
		now:        cfg.Clock,
		logger:     log.With().Str("component", "cache").Str("backend", backendMemory).Logger(),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go s.janitor(cfg.SweepInterval)
	} else {
		close(s.done)
	}

	return s
}

// Get returns the value for key if a live entry exists.
// An expired entry is removed on read.
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, error) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return zero, ErrClosed
	}

	entry, ok := s.entries[key]
	if !ok {
		CacheMisses.WithLabelValues(backendMemory).Inc()
		return zero, ErrCacheMiss
	}

	if entry.IsExpiredAt(s.now()) {
		delete(s.entries, key)
		CacheEvictions.WithLabelValues(backendMemory, "expired").Inc()
		CacheMisses.WithLabelValues(backendMemory).Inc()
		CacheEntries.Set(float64(len(s.entries)))
		return zero, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendMemory).Inc()
	return entry.Value, nil
}

// Set inserts or overwrites key. When a new key would exceed MaxEntries,
// expired entries are dropped first, then the entry closest to expiry.
func (s *MemoryStore[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	now := s.now()
	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.makeRoomLocked(now)
	}

	s.entries[key] = NewEntry(key, value, now, ttl)
	CacheEntries.Set(float64(len(s.entries)))

	return nil
}

// Delete removes key.
func (s *MemoryStore[V]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	CacheEntries.Set(float64(len(s.entries)))
	return nil
}

// Ping always succeeds unless the store is closed.
func (s *MemoryStore[V]) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of stored entries, expired ones not yet swept included.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *MemoryStore[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.sweepLocked(s.now())
	CacheEntries.Set(float64(len(s.entries)))
	return removed
}

// Close stops the janitor and drops all entries.
func (s *MemoryStore[V]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.done

		s.mu.Lock()
		s.closed = true
		s.entries = make(map[string]Entry[V])
		s.mu.Unlock()
		CacheEntries.Set(0)
	})
	return nil
}

func (s *MemoryStore[V]) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range s.entries {
		if entry.IsExpiredAt(now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		CacheEvictions.WithLabelValues(backendMemory, "expired").Add(float64(removed))
	}
	return removed
}

// makeRoomLocked frees at least one slot. The capacity scan is O(n), which is
// fine for the few thousand keys a single season produces.
func (s *MemoryStore[V]) makeRoomLocked(now time.Time) {
	if s.sweepLocked(now) > 0 && len(s.entries) < s.maxEntries {
		return
	}

	var (
		victim   string
		earliest time.Time
	)
	for key, entry := range s.entries {
		if victim == "" || entry.ExpiresAt.Before(earliest) {
			victim = key
			earliest = entry.ExpiresAt
		}
	}
	if victim != "" {
		delete(s.entries, victim)
		CacheEvictions.WithLabelValues(backendMemory, "capacity").Inc()
		s.logger.Debug().Str("key", victim).Msg("Evicted entry at capacity")
	}
}

func (s *MemoryStore[V]) janitor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("Swept expired entries")
			}
		case <-s.stopCh:
			return
		}
	}
}
