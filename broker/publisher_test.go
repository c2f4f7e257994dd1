package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hubrelay/hubrelay-go/codec"
	"github.com/hubrelay/hubrelay-go/contracts"
	"github.com/hubrelay/hubrelay-go/internal/reliability"
)

func newTestPublisher(transport ChannelTransport, options ...PublisherOption) *Publisher {
	// A single-attempt policy keeps failure tests fast.
	options = append([]PublisherOption{
		WithRetryPolicy(reliability.NewLinearBackoff(time.Millisecond, 1)),
	}, options...)
	return NewPublisher(transport, codec.New(), options...)
}

func TestPublishMessage(t *testing.T) {
	t.Run("publishes and returns the message id", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, "orders.created", mock.Anything).Return(nil)

		stats := NewBrokerStats()
		p := newTestPublisher(transport, WithPublisherStats(stats))

		id, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{"order":"1"}`))
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		snap := stats.Snapshot()
		assert.Equal(t, int64(1), snap.MessagesPublished)
		assert.Greater(t, snap.BytesPublished, int64(0))
		assert.Contains(t, p.ActiveChannels(), "orders.created")
	})

	t.Run("rejects empty channel", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		p := newTestPublisher(transport)

		_, err := p.PublishMessage(context.Background(), "", []byte(`{}`))
		assert.ErrorIs(t, err, contracts.ErrEmptyChannel)
	})

	t.Run("rejects nil payload", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		p := newTestPublisher(transport)

		_, err := p.PublishMessage(context.Background(), "orders.created", nil)
		assert.ErrorIs(t, err, contracts.ErrNilPayload)
	})

	t.Run("enforces the size cap", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		p := newTestPublisher(transport, WithMaxMessageSize(64))

		_, err := p.PublishMessage(context.Background(), "orders.created",
			[]byte(`{"filler":"0123456789012345678901234567890123456789012345678901234567890123456789"}`))
		assert.ErrorIs(t, err, contracts.ErrPayloadTooLarge)

		var sizeErr *contracts.PayloadTooLargeError
		require.True(t, errors.As(err, &sizeErr))
		assert.Equal(t, 64, sizeErr.MaxSize)
	})

	t.Run("fails when the transport is disconnected", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(false)
		p := newTestPublisher(transport)

		_, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{}`))
		assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
	})

	t.Run("surfaces transport write errors", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("connection reset"))

		stats := NewBrokerStats()
		p := newTestPublisher(transport, WithPublisherStats(stats))

		_, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{}`))
		assert.Error(t, err)
		assert.Equal(t, int64(1), stats.Snapshot().PublishFailures)
	})

	t.Run("persists message and channel history", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		store := newFakeStore()
		p := newTestPublisher(transport, WithMessageStore(store))

		id, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{}`))
		require.NoError(t, err)

		raw, err := store.Get(context.Background(), messageKey("orders.created", id))
		require.NoError(t, err)
		assert.NotEmpty(t, raw)

		recent, err := store.GetList(context.Background(), recentMessagesKey("orders.created"))
		require.NoError(t, err)
		assert.Equal(t, []string{id}, recent)
	})

	t.Run("WithoutPersistence skips the store", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		store := newFakeStore()
		p := newTestPublisher(transport, WithMessageStore(store))

		id, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{}`), WithoutPersistence())
		require.NoError(t, err)

		_, err = store.Get(context.Background(), messageKey("orders.created", id))
		assert.ErrorIs(t, err, ErrStoreKeyNotFound)
	})
}

func TestEventChannels(t *testing.T) {
	channels := EventChannels("user.created", "auth")
	assert.Equal(t, []string{
		"events.user.created",
		"events.auth.user.created",
		"events.auth.*",
		"events.*",
	}, channels)
}

func TestPublishEvent(t *testing.T) {
	t.Run("fans out to all derived channels", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		p := newTestPublisher(transport)

		result, err := p.PublishEvent(context.Background(), "user.created", "auth",
			map[string]string{"userId": "u-1"})
		require.NoError(t, err)
		assert.NotEmpty(t, result.EventID)
		assert.Equal(t, EventChannels("user.created", "auth"), result.PublishedChannels)
		transport.AssertNumberOfCalls(t, "Publish", 4)
	})

	t.Run("partial failure excludes the failed channel", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, "events.user.created", mock.Anything).
			Return(errors.New("boom"))
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		p := newTestPublisher(transport)

		result, err := p.PublishEvent(context.Background(), "user.created", "auth", nil)
		require.NoError(t, err)
		assert.Len(t, result.PublishedChannels, 3)
		assert.NotContains(t, result.PublishedChannels, "events.user.created")
	})

	t.Run("total failure returns an error", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("boom"))

		p := newTestPublisher(transport)

		_, err := p.PublishEvent(context.Background(), "user.created", "auth", nil)
		assert.Error(t, err)
	})

	t.Run("rejects empty event type", func(t *testing.T) {
		transport := &mockTransport{}
		p := newTestPublisher(transport)

		_, err := p.PublishEvent(context.Background(), "", "auth", nil)
		assert.ErrorIs(t, err, contracts.ErrEmptyChannel)
	})
}

func TestPublishBulk(t *testing.T) {
	someMessages := func() []BulkMessage {
		return []BulkMessage{
			{Channel: "orders.created", Payload: []byte(`{"n":1}`)},
			{Channel: "orders.updated", Payload: []byte(`{"n":2}`)},
			{Channel: "orders.deleted", Payload: []byte(`{"n":3}`)},
		}
	}

	t.Run("publishes all valid messages in one batch", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("PublishBatch", mock.Anything, mock.Anything).Return(nil)

		p := newTestPublisher(transport)

		result, err := p.PublishBulk(context.Background(), someMessages())
		require.NoError(t, err)
		assert.Equal(t, 3, result.PublishedCount)
		assert.Equal(t, 0, result.FailedCount)
		for i, item := range result.Results {
			assert.Equal(t, i, item.Index)
			assert.True(t, item.Success)
			assert.NotEmpty(t, item.MessageID)
		}
		transport.AssertNumberOfCalls(t, "PublishBatch", 1)
	})

	t.Run("invalid entries are reported without aborting the rest", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("PublishBatch", mock.Anything, mock.Anything).Return(nil)

		p := newTestPublisher(transport)

		messages := someMessages()
		messages[1].Channel = ""

		result, err := p.PublishBulk(context.Background(), messages)
		require.NoError(t, err)
		assert.Equal(t, 2, result.PublishedCount)
		assert.Equal(t, 1, result.FailedCount)
		assert.False(t, result.Results[1].Success)
		assert.NotEmpty(t, result.Results[1].Error)
	})

	t.Run("fail-on-error stops at the first invalid entry", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("PublishBatch", mock.Anything, mock.Anything).Return(nil)

		p := newTestPublisher(transport)

		messages := someMessages()
		messages[0].Payload = nil

		result, err := p.PublishBulk(context.Background(), messages, WithFailOnError())
		require.NoError(t, err)
		assert.Len(t, result.Results, 1)
		assert.Equal(t, 0, result.PublishedCount)
		transport.AssertNotCalled(t, "PublishBatch", mock.Anything, mock.Anything)
	})

	t.Run("batch failure marks every entry failed", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("PublishBatch", mock.Anything, mock.Anything).
			Return(errors.New("tx aborted"))

		p := newTestPublisher(transport)

		result, err := p.PublishBulk(context.Background(), someMessages())
		require.NoError(t, err)
		assert.Equal(t, 0, result.PublishedCount)
		assert.Equal(t, 3, result.FailedCount)
		for _, item := range result.Results {
			assert.False(t, item.Success)
			assert.NotEmpty(t, item.Error)
		}
	})

	t.Run("empty input yields an empty result", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)

		p := newTestPublisher(transport)

		result, err := p.PublishBulk(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.PublishedCount)
		assert.Empty(t, result.Results)
	})
}

func TestGetChannelInfo(t *testing.T) {
	t.Run("combines subscriber count and history", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		transport.On("SubscriberCount", mock.Anything, "orders.created").Return(2, nil)

		store := newFakeStore()
		p := newTestPublisher(transport, WithMessageStore(store))

		_, err := p.PublishMessage(context.Background(), "orders.created", []byte(`{}`))
		require.NoError(t, err)

		info, err := p.GetChannelInfo(context.Background(), "orders.created")
		require.NoError(t, err)
		assert.Equal(t, 2, info.SubscriberCount)
		assert.Equal(t, 1, info.MessageCount)
		assert.True(t, info.IsActive)
		assert.False(t, info.LastActivity.IsZero())
	})

	t.Run("tolerates transports without subscriber counts", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("Connected").Return(true)
		transport.On("SubscriberCount", mock.Anything, mock.Anything).
			Return(0, ErrSubscriberCountUnsupported)

		p := newTestPublisher(transport)

		info, err := p.GetChannelInfo(context.Background(), "quiet.channel")
		require.NoError(t, err)
		assert.Equal(t, 0, info.SubscriberCount)
		assert.False(t, info.IsActive)
	})

	t.Run("rejects empty channel", func(t *testing.T) {
		transport := &mockTransport{}
		p := newTestPublisher(transport)

		_, err := p.GetChannelInfo(context.Background(), "")
		assert.ErrorIs(t, err, contracts.ErrEmptyChannel)
	})
}
