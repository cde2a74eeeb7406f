package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber records messages; it fails every Send once failing is set.
type fakeSubscriber struct {
	id string

	mu       sync.Mutex
	messages [][]byte
	failing  bool
	closed   int
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(_ context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing || f.closed > 0 {
		return ErrSubscriberClosed
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeSubscriber) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type failingTransport struct{ calls int }

func (t *failingTransport) Publish(context.Context, []byte) error {
	t.calls++
	return errors.New("redis down")
}

var testNow = time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

func TestNewEvent(t *testing.T) {
	ev := NewEvent("laps", map[string]any{"sessionKey": "123"}, testNow)

	assert.Equal(t, "laps", ev.Type)
	assert.Equal(t, testNow.UnixMilli(), ev.Timestamp)
}

func TestBroadcaster_PublishEnvelope(t *testing.T) {
	b := New().WithClock(func() time.Time { return testNow })
	sub := newFakeSubscriber("a")
	require.NoError(t, b.Subscribe(sub))

	payload := map[string]any{
		"sessionKey":   "123",
		"driverNumber": "44",
		"data":         json.RawMessage(`[{"lap_number":1}]`),
	}
	require.NoError(t, b.Publish(context.Background(), "laps", payload))

	msgs := sub.received()
	require.Len(t, msgs, 1)
	assert.JSONEq(t,
		`{"type":"laps","data":{"sessionKey":"123","driverNumber":"44","data":[{"lap_number":1}]},"timestamp":1709391600000}`,
		string(msgs[0]))
}

func TestBroadcaster_SameBytesToEverySubscriber(t *testing.T) {
	b := New()
	a, c := newFakeSubscriber("a"), newFakeSubscriber("c")
	require.NoError(t, b.Subscribe(a))
	require.NoError(t, b.Subscribe(c))

	require.NoError(t, b.Publish(context.Background(), "drivers", map[string]any{"sessionKey": "9158"}))

	require.Len(t, a.received(), 1)
	require.Len(t, c.received(), 1)
	assert.Equal(t, a.received()[0], c.received()[0])
}

func TestBroadcaster_SubscriberIsolation(t *testing.T) {
	b := New()
	healthy1 := newFakeSubscriber("h1")
	broken := newFakeSubscriber("broken")
	healthy2 := newFakeSubscriber("h2")
	for _, s := range []*fakeSubscriber{healthy1, broken, healthy2} {
		require.NoError(t, b.Subscribe(s))
	}

	broken.mu.Lock()
	broken.failing = true
	broken.mu.Unlock()

	delivered := b.Deliver(context.Background(), []byte(`{"type":"grid"}`))

	assert.Equal(t, 2, delivered)
	assert.Len(t, healthy1.received(), 1)
	assert.Len(t, healthy2.received(), 1)
	assert.Equal(t, 2, b.Count(), "failing subscriber should be removed")
	assert.Equal(t, 1, broken.closeCount())

	// Later publishes keep reaching the healthy ones.
	require.NoError(t, b.Publish(context.Background(), "grid", nil))
	assert.Len(t, healthy1.received(), 2)
	assert.Len(t, healthy2.received(), 2)
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := New()
	assert.NoError(t, b.Publish(context.Background(), "meetings", map[string]any{"year": "2024"}))
}

func TestBroadcaster_PublishUnencodable(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), "meetings", make(chan int))
	assert.Error(t, err)
}

func TestBroadcaster_SubscribeUnsubscribe(t *testing.T) {
	b := New()
	sub := newFakeSubscriber("x")

	require.NoError(t, b.Subscribe(sub))
	assert.ErrorIs(t, b.Subscribe(sub), ErrDuplicateSubscriber)
	assert.Equal(t, 1, b.Count())

	assert.True(t, b.Unsubscribe("x"))
	assert.False(t, b.Unsubscribe("x"))
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 1, sub.closeCount())

	require.NoError(t, b.Publish(context.Background(), "sessions", nil))
	assert.Empty(t, sub.received())
}

func TestBroadcaster_Close(t *testing.T) {
	b := New()
	a, c := newFakeSubscriber("a"), newFakeSubscriber("c")
	require.NoError(t, b.Subscribe(a))
	require.NoError(t, b.Subscribe(c))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, c.closeCount())
	assert.Equal(t, 0, b.Count())
	assert.ErrorIs(t, b.Subscribe(newFakeSubscriber("late")), ErrClosed)
}

func TestBroadcaster_TransportFailureDeliversLocally(t *testing.T) {
	b := New()
	transport := &failingTransport{}
	b.UseTransport(transport)

	sub := newFakeSubscriber("a")
	require.NoError(t, b.Subscribe(sub))

	require.NoError(t, b.Publish(context.Background(), "stints", nil))

	assert.Equal(t, 1, transport.calls)
	assert.Len(t, sub.received(), 1)
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sub := newFakeSubscriber(string(rune('a' + i)))
			_ = b.Subscribe(sub)
			b.Unsubscribe(sub.ID())
		}(i)
		go func() {
			defer wg.Done()
			_ = b.Publish(ctx, "positions", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Count())
}
