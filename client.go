// Package hubrelay wires the channel transport, codec, publisher,
// subscription registry, delivery engines, and reaper into one client.
package hubrelay

import (
	"context"
	"errors"

	"github.com/hubrelay/hubrelay-go/broker"
	"github.com/hubrelay/hubrelay-go/codec"
)

// ErrNilTransport is returned when NewClient is given no transport.
var ErrNilTransport = errors.New("hubrelay: transport must not be nil")

// Client is the main entry point. It owns the publish path and the
// subscription lifecycle over a single channel transport.
type Client struct {
	transport broker.ChannelTransport
	store     broker.MessageStore
	codec     *codec.Codec
	stats     *broker.BrokerStats
	publisher *broker.Publisher
	registry  *broker.SubscriptionRegistry
	listener  *broker.Listener
	reaper    *broker.Reaper
}

// NewClient assembles a client over the given transport. The transport must
// already be connected.
func NewClient(transport broker.ChannelTransport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	cfg := defaultClientConfig()
	for _, opt := range options {
		opt(cfg)
	}

	stats := broker.NewBrokerStats()
	messageCodec := codec.New(cfg.codecOptions...)

	publisherOpts := append([]broker.PublisherOption{
		broker.WithPublisherLogger(cfg.logger),
		broker.WithPublisherStats(stats),
	}, cfg.publisherOptions...)
	if cfg.store != nil {
		publisherOpts = append(publisherOpts, broker.WithMessageStore(cfg.store))
	}
	publisher := broker.NewPublisher(transport, messageCodec, publisherOpts...)

	engineOpts := append([]broker.EngineOption{
		broker.WithEngineLogger(cfg.logger),
		broker.WithEngineStats(stats),
	}, cfg.engineOptions...)
	if cfg.deadLettering {
		engineOpts = append(engineOpts,
			broker.WithDeadLetter(broker.NewDeadLetterFunc(publisher, cfg.logger)))
	}

	registryOpts := append([]broker.RegistryOption{
		broker.WithRegistryLogger(cfg.logger),
		broker.WithRegistryStats(stats),
		broker.WithEngineOptions(engineOpts...),
	}, cfg.registryOptions...)
	registry := broker.NewSubscriptionRegistry(transport, registryOpts...)

	listener := broker.NewListener(registry, messageCodec,
		append([]broker.ListenerOption{
			broker.WithListenerLogger(cfg.logger),
			broker.WithListenerStats(stats),
		}, cfg.listenerOptions...)...)
	registry.AttachHandler(listener.Handler())
	listener.Start()

	reaper := broker.NewReaper(registry,
		append([]broker.ReaperOption{
			broker.WithReaperLogger(cfg.logger),
		}, cfg.reaperOptions...)...)
	if cfg.reaping {
		reaper.Start()
	}

	return &Client{
		transport: transport,
		store:     cfg.store,
		codec:     messageCodec,
		stats:     stats,
		publisher: publisher,
		registry:  registry,
		listener:  listener,
		reaper:    reaper,
	}, nil
}

// PublishMessage publishes a raw payload to one channel and returns the
// message ID.
func (c *Client) PublishMessage(ctx context.Context, channel string, payload []byte, options ...broker.PublishOption) (string, error) {
	return c.publisher.PublishMessage(ctx, channel, payload, options...)
}

// PublishEvent fans an event out to its derived channels.
func (c *Client) PublishEvent(ctx context.Context, eventType, sourceService string, eventData any, options ...broker.PublishOption) (*broker.EventResult, error) {
	return c.publisher.PublishEvent(ctx, eventType, sourceService, eventData, options...)
}

// PublishBulk publishes a batch of messages atomically.
func (c *Client) PublishBulk(ctx context.Context, messages []broker.BulkMessage, options ...broker.BulkOption) (*broker.BulkResult, error) {
	return c.publisher.PublishBulk(ctx, messages, options...)
}

// GetChannelInfo reports subscriber count, recent history, and activity for
// a channel.
func (c *Client) GetChannelInfo(ctx context.Context, channel string) (*broker.ChannelInfo, error) {
	return c.publisher.GetChannelInfo(ctx, channel)
}

// Subscribe registers a webhook subscription and returns its ID.
func (c *Client) Subscribe(ctx context.Context, req broker.RegisterRequest) (string, error) {
	return c.registry.Register(ctx, req)
}

// Cancel tears down a subscription.
func (c *Client) Cancel(subscriptionID string) error {
	return c.registry.Cancel(subscriptionID)
}

// Pause suspends delivery for a subscription without losing queued messages.
func (c *Client) Pause(subscriptionID string) error {
	return c.registry.Pause(subscriptionID)
}

// Resume reactivates a paused subscription.
func (c *Client) Resume(subscriptionID string) error {
	return c.registry.Resume(subscriptionID)
}

// Acknowledge settles a pending delivery on behalf of a consumer.
func (c *Client) Acknowledge(subscriptionID, messageID string, success bool, reason string) error {
	return c.registry.Acknowledge(subscriptionID, messageID, success, reason)
}

// Subscription returns a point-in-time view of one subscription.
func (c *Client) Subscription(subscriptionID string) (broker.SubscriptionInfo, error) {
	return c.registry.Get(subscriptionID)
}

// Subscriptions lists subscriptions, optionally filtered by service name.
func (c *Client) Subscriptions(serviceName string) []broker.SubscriptionInfo {
	return c.registry.List(serviceName)
}

// Stats returns a snapshot of broker counters.
func (c *Client) Stats() broker.StatsSnapshot {
	return c.stats.Snapshot()
}

// Transport exposes the underlying channel transport.
func (c *Client) Transport() broker.ChannelTransport {
	return c.transport
}

// Close shuts everything down in dependency order: reaper, listener,
// registry (draining delivery engines), store, then transport.
func (c *Client) Close() error {
	c.reaper.Stop()
	c.listener.Stop()

	var firstErr error
	if err := c.registry.Close(); err != nil {
		firstErr = err
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
