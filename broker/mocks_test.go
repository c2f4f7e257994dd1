package broker

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// mockTransport is a ChannelTransport backed by testify mocks.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Publish(ctx context.Context, channel string, body []byte) error {
	args := m.Called(ctx, channel, body)
	return args.Error(0)
}

func (m *mockTransport) PublishBatch(ctx context.Context, messages []ChannelMessage) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

func (m *mockTransport) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *mockTransport) PSubscribe(ctx context.Context, pattern string, handler MessageHandler) error {
	args := m.Called(ctx, pattern, handler)
	return args.Error(0)
}

func (m *mockTransport) Unsubscribe(channel string) error {
	args := m.Called(channel)
	return args.Error(0)
}

func (m *mockTransport) PUnsubscribe(pattern string) error {
	args := m.Called(pattern)
	return args.Error(0)
}

func (m *mockTransport) SubscriberCount(ctx context.Context, channel string) (int, error) {
	args := m.Called(ctx, channel)
	return args.Int(0), args.Error(1)
}

func (m *mockTransport) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

// fakeStore is a minimal in-memory MessageStore for publisher tests.
type fakeStore struct {
	mu     sync.Mutex
	values map[string][]byte
	lists  map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: make(map[string][]byte),
		lists:  make(map[string][]string),
	}
}

func (s *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrStoreKeyNotFound
	}
	return v, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *fakeStore) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], value)
	return nil
}

func (s *fakeStore) GetList(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...), nil
}

func (s *fakeStore) Close() error { return nil }

// newTestSubscription builds an active subscription for engine tests.
func newTestSubscription(callbackURL string) *Subscription {
	return &Subscription{
		ID:                  "sub-test",
		ServiceName:         "test-service",
		ChannelPattern:      "orders.created",
		CallbackURL:         callbackURL,
		MaxDeliveryAttempts: 3,
		AckTimeout:          50 * time.Millisecond,
		AutoAck:             true,
		CreatedAt:           time.Now(),
		status:              StatusActive,
		lastActivity:        time.Now(),
		pending:             make(map[string]*pendingMessage),
	}
}
