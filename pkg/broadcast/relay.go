package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRelayChannel is the Redis channel carrying encoded events.
const DefaultRelayChannel = "openf1:events"

var relayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openf1_broadcast_relay_messages_total",
	Help: "Total events moved through the Redis relay by direction",
}, []string{"direction"})

// Relay moves events between instances over Redis pub/sub. It is the
// Broadcaster's Transport on the publishing side and feeds Deliver on the
// receiving side, so every instance, the publisher included, notifies its
// own subscribers exactly once.
type Relay struct {
	redis       *redis.Client
	channel     string
	broadcaster *Broadcaster
	logger      zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay for b on channel. The Redis client is owned by the caller.
func NewRelay(redisClient *redis.Client, channel string, b *Broadcaster) *Relay {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		redis:       redisClient,
		channel:     channel,
		broadcaster: b,
		logger:      log.With().Str("component", "broadcast-relay").Str("channel", channel).Logger(),
	}
}

// Publish implements Transport.
func (r *Relay) Publish(ctx context.Context, msg []byte) error {
	if err := r.redis.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	relayMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Start subscribes to the channel, waits for the subscription to be
// confirmed and then delivers incoming events until Close or ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errors.New("relay already started")
	}

	pubsub := r.redis.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.pubsub = pubsub
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx, pubsub.Channel(), r.done)

	r.logger.Info().Msg("Relay subscribed")
	return nil
}

func (r *Relay) run(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			relayMessagesTotal.WithLabelValues("in").Inc()
			n := r.broadcaster.Deliver(ctx, []byte(msg.Payload))
			r.logger.Debug().Int("delivered", n).Msg("Relayed event delivered")
		}
	}
}

// Close stops the relay loop and the subscription.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done == nil {
		return nil
	}
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	r.done = nil
	r.pubsub = nil
	return err
}
