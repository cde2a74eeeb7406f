package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for broadcasting.
var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openf1_broadcast_subscribers",
		Help: "Number of live subscribers on this instance",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_broadcast_events_total",
		Help: "Total events published by type",
	}, []string{"type"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_broadcast_deliveries_total",
		Help: "Total per-subscriber deliveries by outcome",
	}, []string{"outcome"})
)

var (
	// ErrClosed is returned when subscribing to a closed broadcaster.
	ErrClosed = errors.New("broadcaster closed")

	// ErrDuplicateSubscriber is returned when a subscriber ID is already registered.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
)

// Subscriber is a live connection that receives encoded events.
type Subscriber interface {
	ID() string
	// Send must not block for long; slow subscribers should fail instead.
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Transport carries encoded events to every instance, this one included.
type Transport interface {
	Publish(ctx context.Context, msg []byte) error
}

// Broadcaster holds the subscriber set of this process.
type Broadcaster struct {
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	transport   Transport
	closed      bool
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		logger:      log.With().Str("component", "broadcaster").Logger(),
		now:         time.Now,
		subscribers: make(map[string]Subscriber),
	}
}

// WithClock replaces the clock used for event timestamps (for tests).
func (b *Broadcaster) WithClock(clock func() time.Time) *Broadcaster {
	b.now = clock
	return b
}

// UseTransport routes published events through t. Deliver must then be
// called by whatever receives them (see Relay).
func (b *Broadcaster) UseTransport(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

// Subscribe registers a subscriber.
func (b *Broadcaster) Subscribe(sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subscribers[sub.ID()]; exists {
		return ErrDuplicateSubscriber
	}
	b.subscribers[sub.ID()] = sub
	subscribersGauge.Set(float64(len(b.subscribers)))

	b.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", len(b.subscribers)).Msg("Subscriber added")
	return nil
}

// Unsubscribe removes and closes the subscriber. It reports whether the ID
// was registered; calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		subscribersGauge.Set(float64(len(b.subscribers)))
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if err := sub.Close(); err != nil {
		b.logger.Debug().Err(err).Str("subscriber", id).Msg("Subscriber close failed")
	}
	b.logger.Debug().Str("subscriber", id).Msg("Subscriber removed")
	return true
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish builds one envelope for payload and delivers it to every
// subscriber. If a transport is configured and fails, the event is still
// delivered locally.
func (b *Broadcaster) Publish(ctx context.Context, eventType string, payload any) error {
	msg, err := json.Marshal(NewEvent(eventType, payload, b.now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	eventsTotal.WithLabelValues(eventType).Inc()

	b.mu.RLock()
	transport := b.transport
	b.mu.RUnlock()

	if transport != nil {
		err := transport.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Str("type", eventType).Msg("Transport publish failed, delivering locally")
	}

	b.Deliver(ctx, msg)
	return nil
}

// Deliver sends an encoded event to a snapshot of the current subscribers.
// A failing subscriber is removed; delivery to the rest continues.
// Returns the number of successful sends.
func (b *Broadcaster) Deliver(ctx context.Context, msg []byte) int {
	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if err := sub.Send(ctx, msg); err != nil {
			deliveriesTotal.WithLabelValues("failed").Inc()
			b.logger.Warn().Err(err).Str("subscriber", sub.ID()).Msg("Send failed, dropping subscriber")
			b.Unsubscribe(sub.ID())
			continue
		}
		deliveriesTotal.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

// Close closes every subscriber and rejects new ones.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[string]Subscriber)
	b.mu.Unlock()

	subscribersGauge.Set(0)
	for id, sub := range subs {
		if err := sub.Close(); err != nil {
			b.logger.Debug().Err(err).Str("subscriber", id).Msg("Subscriber close failed")
		}
	}
	b.logger.Info().Int("closed", len(subs)).Msg("Broadcaster closed")
	return nil
}
