// Package broadcast fans cache refresh events out to live subscribers.
//
// Broadcaster keeps the local subscriber set and marshals each event once.
// Subscribers are usually websocket connections (see Handler). When a Relay
// is attached, events travel through Redis pub/sub so that every proxy
// instance sharing the cache notifies its own clients.
package broadcast

import (
	"time"
)

// Event is the envelope pushed to subscribers. It is never mutated after
// construction.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// NewEvent builds an envelope stamped with now in epoch milliseconds.
func NewEvent(eventType string, data any, now time.Time) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
}
