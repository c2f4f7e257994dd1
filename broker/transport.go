package broker

import (
	"context"
	"errors"
	"time"
)

// MessageHandler receives a raw message from the transport together with the
// concrete channel it was published to. The channel name is required so the
// broker can re-validate pattern matches locally.
type MessageHandler func(ctx context.Context, channel string, body []byte)

// ChannelMessage is one entry of a batched transport write.
type ChannelMessage struct {
	Channel string
	Body    []byte
}

// ErrSubscriberCountUnsupported is returned by transports that cannot report
// per-channel subscriber counts.
var ErrSubscriberCountUnsupported = errors.New("transport: subscriber counts not supported")

// ChannelTransport is the channel multiplexer the broker publishes through
// and receives from. Implementations must fan a published message out to
// every matching exact and pattern subscription.
type ChannelTransport interface {
	// Publish sends a raw message to a channel.
	Publish(ctx context.Context, channel string, body []byte) error

	// PublishBatch sends several messages as one transport write.
	// The write is all-or-nothing at the transport boundary.
	PublishBatch(ctx context.Context, messages []ChannelMessage) error

	// Subscribe registers a handler for one exact channel.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error

	// PSubscribe registers a handler for a glob channel pattern. Transports
	// that cannot express the full glob syntax may over-deliver; the broker
	// re-validates every message against the registered pattern.
	PSubscribe(ctx context.Context, pattern string, handler MessageHandler) error

	// Unsubscribe removes an exact-channel subscription.
	Unsubscribe(channel string) error

	// PUnsubscribe removes a pattern subscription.
	PUnsubscribe(pattern string) error

	// SubscriberCount reports how many transport-level subscribers a channel
	// has, or ErrSubscriberCountUnsupported.
	SubscriberCount(ctx context.Context, channel string) (int, error)

	// Connected reports whether the transport connection is usable.
	Connected() bool

	// Close releases all transport resources.
	Close() error
}

// MessageStore is the ephemeral key/value collaborator used for best-effort
// message persistence and introspection. All entries expire.
type MessageStore interface {
	// Set stores a value under key with the given TTL. A zero TTL means the
	// store's default retention.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value. Returns ErrStoreKeyNotFound for missing or
	// expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// AppendList appends a value to the list stored under key and refreshes
	// the list's TTL.
	AppendList(ctx context.Context, key, value string, ttl time.Duration) error

	// GetList returns the list stored under key, oldest first. Missing or
	// expired lists yield an empty slice.
	GetList(ctx context.Context, key string) ([]string, error)

	// Close releases store resources.
	Close() error
}

// ErrStoreKeyNotFound is returned by stores for missing or expired keys.
var ErrStoreKeyNotFound = errors.New("store: key not found")
