// Package inmem provides an in-process ChannelTransport backed by Go
// channels. It is suitable for tests, development, and single-process
// deployments; messages are not persisted and are dropped when no
// subscriber matches.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/hubrelay/hubrelay-go/broker"
)

// ErrClosed is returned for operations on a closed transport.
var ErrClosed = errors.New("inmem: transport is closed")

// delivery is one message headed for a subscriber's pump.
type delivery struct {
	channel string
	body    []byte
}

// subscriberEntry holds one registered handler and its delivery queue. The
// entry lives until Unsubscribe or Close, independent of the context the
// subscription was registered under.
type subscriberEntry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler broker.MessageHandler
	queue   chan delivery
}

// pump feeds the handler from the queue one message at a time, preserving
// publish order.
func (e *subscriberEntry) pump() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case d := <-e.queue:
			e.handler(e.ctx, d.channel, d.body)
		}
	}
}

// Transport is the in-memory channel multiplexer.
type Transport struct {
	mu       sync.RWMutex
	exact    map[string][]*subscriberEntry
	patterns map[string][]*subscriberEntry
	closed   bool
}

// New creates an in-memory transport.
func New() *Transport {
	return &Transport{
		exact:    make(map[string][]*subscriberEntry),
		patterns: make(map[string][]*subscriberEntry),
	}
}

// Publish fans the message out to every exact subscriber of the channel and
// every pattern subscriber whose pattern matches it. Each subscriber is fed
// through its own buffered queue, so two sequential publishes on a channel
// reach a subscriber in order; a full queue backpressures the publisher.
func (t *Transport) Publish(ctx context.Context, channel string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	var targets []*subscriberEntry
	targets = append(targets, t.exact[channel]...)
	for pattern, entries := range t.patterns {
		if broker.MatchChannel(channel, pattern) {
			targets = append(targets, entries...)
		}
	}
	t.mu.RUnlock()

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	for _, entry := range targets {
		select {
		case entry.queue <- delivery{channel: channel, body: bodyCopy}:
		case <-entry.ctx.Done():
		}
	}

	return nil
}

// PublishBatch delivers all messages of the batch. The in-memory write
// cannot partially fail: either the transport is open and every message is
// delivered, or it is closed and none are.
func (t *Transport) PublishBatch(ctx context.Context, messages []broker.ChannelMessage) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	for _, msg := range messages {
		if err := t.Publish(ctx, msg.Channel, msg.Body); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for one exact channel. The context scopes
// the registration call only; the handler stays live until Unsubscribe or
// Close.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler broker.MessageHandler) error {
	return t.add(ctx, t.exactLocked, channel, handler)
}

// PSubscribe registers a handler for a glob pattern. The context scopes the
// registration call only, as with Subscribe.
func (t *Transport) PSubscribe(ctx context.Context, pattern string, handler broker.MessageHandler) error {
	return t.add(ctx, t.patternsLocked, pattern, handler)
}

func (t *Transport) exactLocked() map[string][]*subscriberEntry { return t.exact }
func (t *Transport) patternsLocked() map[string][]*subscriberEntry { return t.patterns }

func (t *Transport) add(ctx context.Context, table func() map[string][]*subscriberEntry, key string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	// The subscriber's lifetime belongs to the transport, not to the caller's
	// registration context.
	subCtx, cancel := context.WithCancel(context.Background())
	entry := &subscriberEntry{
		ctx:     subCtx,
		cancel:  cancel,
		handler: handler,
		queue:   make(chan delivery, 256),
	}
	go entry.pump()

	m := table()
	m[key] = append(m[key], entry)
	return nil
}

// Unsubscribe removes all exact subscribers of a channel.
func (t *Transport) Unsubscribe(channel string) error {
	return t.remove(t.exactLocked, channel)
}

// PUnsubscribe removes all subscribers of a pattern.
func (t *Transport) PUnsubscribe(pattern string) error {
	return t.remove(t.patternsLocked, pattern)
}

func (t *Transport) remove(table func() map[string][]*subscriberEntry, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := table()
	for _, entry := range m[key] {
		entry.cancel()
	}
	delete(m, key)
	return nil
}

// SubscriberCount counts the transport subscriptions a concrete channel
// would be delivered to.
func (t *Transport) SubscriberCount(ctx context.Context, channel string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := len(t.exact[channel])
	for pattern, entries := range t.patterns {
		if broker.MatchChannel(channel, pattern) {
			count += len(entries)
		}
	}
	return count, nil
}

// Connected reports whether the transport accepts operations.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Close cancels every subscription and rejects further operations.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.closed = true

	for _, entries := range t.exact {
		for _, entry := range entries {
			entry.cancel()
		}
	}
	for _, entries := range t.patterns {
		for _, entry := range entries {
			entry.cancel()
		}
	}
	t.exact = make(map[string][]*subscriberEntry)
	t.patterns = make(map[string][]*subscriberEntry)

	return nil
}
