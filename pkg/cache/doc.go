// Package cache provides TTL caching for upstream OpenF1 payloads.
//
// A Store maps a key to at most one live entry. Entries are inserted with a
// caller-supplied TTL, read as hits while now < ExpiresAt and treated as absent
// afterwards. Expired entries are removed lazily on read and, for the memory
// backend, by a background janitor.
//
// Two backends are available:
//
//   - MemoryStore: process-local, single mutex, bounded by MaxEntries
//   - RedisStore: shared between proxy instances, JSON encoded values
//
// # Basic Usage
//
//	store := cache.NewMemoryStore[json.RawMessage](cache.DefaultMemoryConfig())
//	defer store.Close()
//
//	key := cache.NewKey("laps", 9161, 44).String() // "laps_9161_44"
//
//	value, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream, then
//		_ = store.Set(ctx, key, payload, 5*time.Minute)
//	}
//
// # Metrics
//
//   - openf1_cache_hits_total{backend}
//   - openf1_cache_misses_total{backend}
//   - openf1_cache_evictions_total{backend,reason}
//   - openf1_cache_entries
//   - openf1_cache_errors_total{operation}
package cache
