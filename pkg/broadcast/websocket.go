package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrSubscriberClosed is returned by Send after the connection closed.
	ErrSubscriberClosed = errors.New("subscriber closed")

	// ErrSlowSubscriber is returned by Send when the outbound buffer is full.
	ErrSlowSubscriber = errors.New("subscriber send buffer full")
)

// WSConfig tunes websocket subscribers.
type WSConfig struct {
	// SendBuffer is the number of events queued per connection.
	SendBuffer int

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PongWait is how long the peer may stay silent before the connection is dropped.
	PongWait time.Duration

	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration

	// MaxMessageSize limits inbound frames, which are discarded anyway.
	MaxMessageSize int64

	// CheckOrigin is passed to the upgrader. nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultWSConfig returns the default websocket settings.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   50 * time.Second,
		MaxMessageSize: 4096,
	}
}

// WSSubscriber is a websocket connection registered with a Broadcaster.
// A dedicated writer goroutine drains its buffer so one slow client never
// blocks a publish.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	config WSConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSSubscriber wraps an upgraded connection and starts its writer.
func NewWSSubscriber(conn *websocket.Conn, cfg WSConfig) *WSSubscriber {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultWSConfig().SendBuffer
	}
	s := &WSSubscriber{
		id:     uuid.NewString(),
		conn:   conn,
		config: cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ID returns the subscriber's UUID.
func (s *WSSubscriber) ID() string {
	return s.id
}

// Send queues msg for the writer goroutine.
func (s *WSSubscriber) Send(_ context.Context, msg []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	default:
		return ErrSlowSubscriber
	}
}

// Close sends a close frame and closes the connection. Safe to call repeatedly.
func (s *WSSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the subscriber is closed.
func (s *WSSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *WSSubscriber) writeLoop() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if s.config.PingInterval > 0 {
		ticker = time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.Close()
				return
			}
		case <-tick:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

func (s *WSSubscriber) setWriteDeadline() {
	if s.config.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
}

// readLoop discards client frames until the peer goes away; clients send
// no commands. It returns when the connection fails or closes.
func (s *WSSubscriber) readLoop() {
	if s.config.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.config.MaxMessageSize)
	}
	if s.config.PongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		})
	}
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Handler upgrades requests to websocket connections and subscribes them to b
// until the client disconnects.
func Handler(b *Broadcaster, cfg WSConfig) http.HandlerFunc {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error response.
			b.logger.Debug().Err(err).Msg("Websocket upgrade failed")
			return
		}

		sub := NewWSSubscriber(conn, cfg)
		if err := b.Subscribe(sub); err != nil {
			b.logger.Warn().Err(err).Msg("Rejecting websocket subscriber")
			_ = sub.Close()
			return
		}
		b.logger.Info().Str("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Msg("Websocket client connected")

		sub.readLoop()

		b.Unsubscribe(sub.ID())
		b.logger.Info().Str("subscriber", sub.ID()).Msg("Websocket client disconnected")
	}
}
