// Package warmup pre-fills the cache for a whole session.
//
// A dashboard opening a session asks for its results, its starting grid and
// the stints, laps and positions of every driver. Warming issues the same
// requests ahead of time so the first viewer gets cache hits:
//
//	w := warmup.New(service, warmup.DefaultConfig())
//	report, err := w.WarmSession(ctx, 9158)
//
// The warmer:
//   - Fetches the driver list first to learn the fan-out
//   - Spawns a small worker pool (default 4 workers)
//   - Feeds it one target per resource and driver
//   - Returns a Report with partial results when some targets fail
//
// Workers only keep the scheduler queue filled; upstream calls are still
// made one at a time at the scheduler's pace, and every refill is broadcast
// like any other.
package warmup
