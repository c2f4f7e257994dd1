package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hubrelay/hubrelay-go/codec"
)

// inboundMessage is one raw frame received from the transport.
type inboundMessage struct {
	channel string
	body    []byte
}

// Listener is the single long-lived reader between the transport and the
// delivery engines. Transport callbacks feed its intake queue; one loop
// decodes each message and fans it out to every matching subscription.
type Listener struct {
	registry *SubscriptionRegistry
	codec    *codec.Codec
	stats    *BrokerStats
	logger   *slog.Logger

	intake chan inboundMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenerOption configures the Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithListenerStats sets the shared broker counters.
func WithListenerStats(stats *BrokerStats) ListenerOption {
	return func(l *Listener) {
		l.stats = stats
	}
}

// WithIntakeDepth sets the intake queue depth.
func WithIntakeDepth(depth int) ListenerOption {
	return func(l *Listener) {
		l.intake = make(chan inboundMessage, depth)
	}
}

// NewListener creates a listener fanning out to the given registry.
func NewListener(registry *SubscriptionRegistry, c *codec.Codec, options ...ListenerOption) *Listener {
	l := &Listener{
		registry: registry,
		codec:    c,
		stats:    NewBrokerStats(),
		logger:   slog.Default(),
		intake:   make(chan inboundMessage, 1024),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Handler returns the transport callback that feeds the intake queue. The
// push blocks only when the intake itself is full, which backpressures the
// transport as a last resort; per-subscription overload is absorbed by the
// bounded delivery queues instead.
func (l *Listener) Handler() MessageHandler {
	return func(ctx context.Context, channel string, body []byte) {
		select {
		case l.intake <- inboundMessage{channel: channel, body: body}:
		case <-l.ctx.Done():
		case <-ctx.Done():
		}
	}
}

// Start launches the fan-out loop.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop cancels the fan-out loop and waits for it to drain.
func (l *Listener) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *Listener) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case msg := <-l.intake:
			l.fanOut(msg)
		}
	}
}

// fanOut decodes one raw message and enqueues it on every matching active
// subscription's delivery engine. Enqueue never blocks this loop.
func (l *Listener) fanOut(msg inboundMessage) {
	l.stats.RecordReceived()

	env, err := l.codec.Decode(msg.body)
	if err != nil {
		// The fallback envelope still carries the raw payload; the channel
		// name came from the transport, so routing can proceed.
		l.logger.Warn("failed to decode envelope, delivering raw payload",
			"channel", msg.channel,
			"error", err,
		)
	}

	engines := l.registry.Route(msg.channel)
	if len(engines) == 0 {
		l.logger.Debug("no matching subscriptions", "channel", msg.channel, "messageId", env.ID)
		return
	}

	for _, engine := range engines {
		if err := engine.Enqueue(msg.channel, env); err != nil {
			if !errors.Is(err, ErrQueueFull) {
				l.logger.Warn("failed to enqueue delivery",
					"channel", msg.channel,
					"messageId", env.ID,
					"error", err,
				)
			}
		}
	}
}
