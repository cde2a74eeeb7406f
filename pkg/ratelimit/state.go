// Package ratelimit serializes every upstream call through a single FIFO
// scheduler and tracks upstream cooldowns announced via 429 Retry-After.
package ratelimit

import (
	"time"
)

// Redis keys for shared cooldown state.
const (
	RedisKeyCooldownUntil = "openf1:rate_limit:cooldown_until"
	RedisKeyLastUpdate    = "openf1:rate_limit:last_update"
)

// CooldownState is the last upstream cooldown the tracker observed.
// When Redis is configured it is shared by every proxy instance.
type CooldownState struct {
	// CooldownUntil is the earliest time the upstream should be called again.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastStatus is the status code of the response that set the cooldown.
	LastStatus int `json:"last_status"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge.
func (s *CooldownState) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Active reports whether the cooldown is still running at now.
func (s *CooldownState) Active(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// Remaining returns the cooldown left at now, or 0 once it has passed.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SchedulerState is a point-in-time snapshot of the scheduler.
type SchedulerState struct {
	QueueDepth    int       `json:"queue_depth"`
	Running       bool      `json:"running"`
	Closed        bool      `json:"closed"`
	JobsProcessed uint64    `json:"jobs_processed"`
	JobsFailed    uint64    `json:"jobs_failed"`
	LastJobEnd    time.Time `json:"last_job_end,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}
