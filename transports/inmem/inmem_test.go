package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubrelay/hubrelay-go/broker"
)

// collector gathers handler invocations across goroutines.
type collector struct {
	mu       sync.Mutex
	messages []string
	channels []string
}

func (c *collector) handler(ctx context.Context, channel string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(body))
	c.channels = append(c.channels, channel)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func waitForCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, c.count())
}

func TestPublishSubscribe(t *testing.T) {
	tr := New()
	defer tr.Close()

	var got collector
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", got.handler))

	require.NoError(t, tr.Publish(context.Background(), "orders.created", []byte("m1")))
	waitForCount(t, &got, 1)

	got.mu.Lock()
	assert.Equal(t, "m1", got.messages[0])
	assert.Equal(t, "orders.created", got.channels[0])
	got.mu.Unlock()
}

func TestPatternSubscription(t *testing.T) {
	tr := New()
	defer tr.Close()

	var glob, exact, other collector
	require.NoError(t, tr.PSubscribe(context.Background(), "orders.*", glob.handler))
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", exact.handler))
	require.NoError(t, tr.Subscribe(context.Background(), "payments.settled", other.handler))

	require.NoError(t, tr.Publish(context.Background(), "orders.created", []byte("x")))
	waitForCount(t, &glob, 1)
	waitForCount(t, &exact, 1)
	assert.Equal(t, 0, other.count())

	require.NoError(t, tr.Publish(context.Background(), "orders.updated", []byte("y")))
	waitForCount(t, &glob, 2)
	assert.Equal(t, 1, exact.count())
}

func TestPublishBatch(t *testing.T) {
	tr := New()
	defer tr.Close()

	var got collector
	require.NoError(t, tr.PSubscribe(context.Background(), "*", got.handler))

	err := tr.PublishBatch(context.Background(), []broker.ChannelMessage{
		{Channel: "a", Body: []byte("1")},
		{Channel: "b", Body: []byte("2")},
	})
	require.NoError(t, err)
	waitForCount(t, &got, 2)
}

func TestUnsubscribe(t *testing.T) {
	tr := New()
	defer tr.Close()

	var got collector
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", got.handler))
	require.NoError(t, tr.Unsubscribe("orders.created"))

	require.NoError(t, tr.Publish(context.Background(), "orders.created", []byte("m")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, got.count())
}

func TestSubscriberOutlivesRegistrationContext(t *testing.T) {
	tr := New()
	defer tr.Close()

	// The registration context scopes the Subscribe call only; cancelling it
	// afterwards must not tear down the subscription.
	ctx, cancel := context.WithCancel(context.Background())
	var got collector
	require.NoError(t, tr.Subscribe(ctx, "orders.created", got.handler))
	cancel()

	require.NoError(t, tr.Publish(context.Background(), "orders.created", []byte("m")))
	waitForCount(t, &got, 1)
}

func TestSubscribeWithCancelledContextFails(t *testing.T) {
	tr := New()
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, tr.Subscribe(ctx, "orders.created", func(context.Context, string, []byte) {}))
}

func TestPerChannelOrdering(t *testing.T) {
	tr := New()
	defer tr.Close()

	var got collector
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", got.handler))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Publish(context.Background(), "orders.created", []byte{byte(i)}))
	}
	waitForCount(t, &got, n)

	got.mu.Lock()
	defer got.mu.Unlock()
	for i := 0; i < n; i++ {
		require.Equal(t, byte(i), got.messages[i][0], "message %d out of order", i)
	}
}

func TestSubscriberCount(t *testing.T) {
	tr := New()
	defer tr.Close()

	noop := func(ctx context.Context, channel string, body []byte) {}
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", noop))
	require.NoError(t, tr.Subscribe(context.Background(), "orders.created", noop))
	require.NoError(t, tr.PSubscribe(context.Background(), "orders.*", noop))

	count, err := tr.SubscriberCount(context.Background(), "orders.created")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = tr.SubscriberCount(context.Background(), "payments.settled")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestClose(t *testing.T) {
	tr := New()

	require.NoError(t, tr.Subscribe(context.Background(), "ch", func(ctx context.Context, channel string, body []byte) {}))
	assert.True(t, tr.Connected())

	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())

	assert.ErrorIs(t, tr.Publish(context.Background(), "ch", []byte("m")), ErrClosed)
	assert.ErrorIs(t, tr.Subscribe(context.Background(), "ch", nil), ErrClosed)
}
