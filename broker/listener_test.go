package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hubrelay/hubrelay-go/codec"
	"github.com/hubrelay/hubrelay-go/contracts"
)

// webhookRecorder collects webhook bodies hitting a test server.
type webhookRecorder struct {
	mu     sync.Mutex
	bodies []webhookBody
	server *httptest.Server
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *webhookRecorder) last() webhookBody {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[len(r.bodies)-1]
}

func newListenerFixture(t *testing.T) (*Listener, *SubscriptionRegistry, *BrokerStats) {
	t.Helper()

	transport := &mockTransport{}
	transport.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	transport.On("PSubscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	transport.On("Unsubscribe", mock.Anything).Return(nil)
	transport.On("PUnsubscribe", mock.Anything).Return(nil)

	stats := NewBrokerStats()
	registry := NewSubscriptionRegistry(transport, WithRegistryStats(stats))
	listener := NewListener(registry, codec.New(), WithListenerStats(stats))
	registry.AttachHandler(listener.Handler())
	listener.Start()

	t.Cleanup(func() {
		listener.Stop()
		registry.Close()
	})
	return listener, registry, stats
}

func TestListenerFanOut(t *testing.T) {
	listener, registry, stats := newListenerFixture(t)

	exact := newWebhookRecorder(t)
	glob := newWebhookRecorder(t)
	unrelated := newWebhookRecorder(t)

	_, err := registry.Register(context.Background(), RegisterRequest{
		ServiceName: "billing",
		Channel:     "orders.created",
		CallbackURL: exact.server.URL,
		AutoAck:     true,
	})
	require.NoError(t, err)
	_, err = registry.Register(context.Background(), RegisterRequest{
		ServiceName: "audit",
		Channel:     "orders.*",
		CallbackURL: glob.server.URL,
		AutoAck:     true,
	})
	require.NoError(t, err)
	_, err = registry.Register(context.Background(), RegisterRequest{
		ServiceName: "inventory",
		Channel:     "stock.low",
		CallbackURL: unrelated.server.URL,
		AutoAck:     true,
	})
	require.NoError(t, err)

	env := contracts.NewEnvelope([]byte(`{"order":"7"}`))
	raw, err := codec.New().Encode(env)
	require.NoError(t, err)

	handler := listener.Handler()
	handler(context.Background(), "orders.created", raw)

	waitFor(t, time.Second, func() bool {
		return exact.count() == 1 && glob.count() == 1
	})
	assert.Equal(t, 0, unrelated.count())

	assert.Equal(t, env.ID, exact.last().Metadata.MessageID)
	assert.Equal(t, "orders.created", glob.last().Metadata.Channel)
	assert.Equal(t, int64(1), stats.Snapshot().MessagesReceived)
	assert.Equal(t, int64(2), stats.Snapshot().MessagesDelivered)
}

func TestListenerDeliversUndecodableMessages(t *testing.T) {
	listener, registry, _ := newListenerFixture(t)

	rec := newWebhookRecorder(t)
	_, err := registry.Register(context.Background(), RegisterRequest{
		ServiceName: "billing",
		Channel:     "orders.created",
		CallbackURL: rec.server.URL,
		AutoAck:     true,
	})
	require.NoError(t, err)

	// Raw bytes that are not an envelope still reach the subscriber wrapped
	// in a fallback envelope.
	listener.Handler()(context.Background(), "orders.created", []byte("opaque blob"))

	waitFor(t, time.Second, func() bool {
		return rec.count() == 1
	})
	body := rec.last()
	assert.NotEmpty(t, body.Metadata.MessageID)
	assert.Equal(t, "orders.created", body.Metadata.Channel)

	var payload []byte
	require.NoError(t, json.Unmarshal(body.Message, &payload))
	assert.Equal(t, []byte("opaque blob"), payload)
}

func TestListenerIgnoresUnmatchedChannels(t *testing.T) {
	listener, _, stats := newListenerFixture(t)

	env := contracts.NewEnvelope([]byte(`{}`))
	raw, err := codec.New().Encode(env)
	require.NoError(t, err)

	listener.Handler()(context.Background(), "nobody.listens", raw)

	waitFor(t, time.Second, func() bool {
		return stats.Snapshot().MessagesReceived == 1
	})
	assert.Equal(t, int64(0), stats.Snapshot().MessagesDelivered)
}
