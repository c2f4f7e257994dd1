// Package amqp provides a ChannelTransport over an AMQP 0.9.1 broker using
// a single topic exchange. Channel names map to routing keys; glob patterns
// bind a conservative topic wildcard and rely on the broker's local pattern
// re-validation to filter over-delivery.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hubrelay/hubrelay-go/broker"
)

var (
	// ErrNotConnected is returned when the transport has no usable connection.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrAlreadySubscribed is returned for a duplicate subscription key.
	ErrAlreadySubscribed = errors.New("amqp: already subscribed")
)

// DefaultExchange is the topic exchange all channels are published to.
const DefaultExchange = "hubrelay.channels"

// subscriptionSpec remembers a subscription so it can be re-established
// after a reconnect.
type subscriptionSpec struct {
	key        string
	bindingKey string
	handler    broker.MessageHandler
}

// consumer is one live AMQP consumer.
type consumer struct {
	channel *amqp.Channel
	queue   string
	tag     string
}

// Transport is the AMQP-backed channel multiplexer.
type Transport struct {
	url      string
	exchange string
	logger   *slog.Logger

	// root bounds every consumer's handler invocations; it is cancelled on
	// Close so subscriptions live as long as the transport, not as long as
	// the context they were registered under.
	root       context.Context
	rootCancel context.CancelFunc

	mu        sync.RWMutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	connected bool
	closed    bool
	specs     map[string]*subscriptionSpec
	consumers map[string]*consumer
	done      chan struct{}
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithExchange overrides the topic exchange name.
func WithExchange(exchange string) Option {
	return func(t *Transport) {
		t.exchange = exchange
	}
}

// New creates a transport for the given AMQP URL. Connect must be called
// before use.
func New(url string, options ...Option) *Transport {
	t := &Transport{
		url:       url,
		exchange:  DefaultExchange,
		logger:    slog.Default(),
		specs:     make(map[string]*subscriptionSpec),
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}
	t.root, t.rootCancel = context.WithCancel(context.Background())

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect dials the broker, declares the topic exchange, and starts the
// reconnect watcher.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrNotConnected
	}
	if t.connected {
		return nil
	}

	if err := t.dialLocked(); err != nil {
		return err
	}

	go t.watchConnection()
	return nil
}

// dialLocked establishes the connection and publisher channel. Caller holds
// the write lock.
func (t *Transport) dialLocked() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("amqp dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel open failed: %w", err)
	}

	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("exchange declare failed: %w", err)
	}

	t.conn = conn
	t.pubCh = ch
	t.connected = true

	t.logger.Info("connected to AMQP broker", "exchange", t.exchange)
	return nil
}

// watchConnection reconnects with exponential backoff whenever the broker
// closes the connection, then re-establishes every subscription.
func (t *Transport) watchConnection() {
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-t.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return
			}
			t.logger.Error("AMQP connection lost", "error", amqpErr)
		}

		t.mu.Lock()
		t.connected = false
		t.consumers = make(map[string]*consumer)
		t.mu.Unlock()

		b := &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		}

		for {
			select {
			case <-t.done:
				return
			case <-time.After(b.Duration()):
			}

			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			err := t.dialLocked()
			if err == nil {
				for _, spec := range t.specs {
					if subErr := t.startConsumerLocked(spec); subErr != nil {
						t.logger.Error("failed to restore subscription",
							"key", spec.key,
							"error", subErr,
						)
					}
				}
			}
			t.mu.Unlock()

			if err == nil {
				break
			}
			t.logger.Warn("AMQP reconnect failed", "attempt", int(b.Attempt()), "error", err)
		}
	}
}

// Publish writes a message to the topic exchange under the channel name.
func (t *Transport) Publish(ctx context.Context, channel string, body []byte) error {
	t.mu.RLock()
	ch := t.pubCh
	connected := t.connected
	t.mu.RUnlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}

	err := ch.PublishWithContext(ctx, t.exchange, channel, false, false, amqp.Publishing{
		Body:         body,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("amqp publish to %q failed: %w", channel, err)
	}
	return nil
}

// PublishBatch writes all messages inside one AMQP transaction, so the batch
// commits or rolls back as a unit.
func (t *Transport) PublishBatch(ctx context.Context, messages []broker.ChannelMessage) error {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel open failed: %w", err)
	}
	defer ch.Close()

	if err := ch.Tx(); err != nil {
		return fmt.Errorf("amqp tx select failed: %w", err)
	}

	for _, msg := range messages {
		err := ch.PublishWithContext(ctx, t.exchange, msg.Channel, false, false, amqp.Publishing{
			Body:         msg.Body,
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
		if err != nil {
			if rbErr := ch.TxRollback(); rbErr != nil {
				t.logger.Warn("amqp tx rollback failed", "error", rbErr)
			}
			return fmt.Errorf("amqp batch publish to %q failed: %w", msg.Channel, err)
		}
	}

	if err := ch.TxCommit(); err != nil {
		return fmt.Errorf("amqp tx commit failed: %w", err)
	}
	return nil
}

// Subscribe consumes one exact channel. The context scopes the registration
// call only; the consumer lives until Unsubscribe or Close.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler broker.MessageHandler) error {
	return t.subscribe(ctx, channel, channel, handler)
}

// PSubscribe consumes a glob pattern via a conservative topic binding. The
// context scopes the registration call only, as with Subscribe.
func (t *Transport) PSubscribe(ctx context.Context, pattern string, handler broker.MessageHandler) error {
	return t.subscribe(ctx, pattern, BindingKeyForPattern(pattern), handler)
}

func (t *Transport) subscribe(ctx context.Context, key, bindingKey string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	if _, exists := t.specs[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, key)
	}

	spec := &subscriptionSpec{
		key:        key,
		bindingKey: bindingKey,
		handler:    handler,
	}
	if err := t.startConsumerLocked(spec); err != nil {
		return err
	}
	t.specs[key] = spec
	return nil
}

// startConsumerLocked declares a queue, binds it, and starts the delivery
// pump. Caller holds the write lock.
func (t *Transport) startConsumerLocked(spec *subscriptionSpec) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel open failed: %w", err)
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("queue declare failed: %w", err)
	}

	if err := ch.QueueBind(queue.Name, spec.bindingKey, t.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("queue bind for %q failed: %w", spec.bindingKey, err)
	}

	tag := fmt.Sprintf("hubrelay-%s", queue.Name)
	deliveries, err := ch.Consume(queue.Name, tag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume failed: %w", err)
	}

	t.consumers[spec.key] = &consumer{channel: ch, queue: queue.Name, tag: tag}

	go func() {
		for d := range deliveries {
			if t.root.Err() != nil {
				return
			}
			spec.handler(t.root, d.RoutingKey, d.Body)
		}
	}()

	return nil
}

// Unsubscribe stops consuming an exact channel.
func (t *Transport) Unsubscribe(channel string) error {
	return t.unsubscribe(channel)
}

// PUnsubscribe stops consuming a pattern.
func (t *Transport) PUnsubscribe(pattern string) error {
	return t.unsubscribe(pattern)
}

func (t *Transport) unsubscribe(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.specs, key)
	c, ok := t.consumers[key]
	if !ok {
		return nil
	}
	delete(t.consumers, key)

	if err := c.channel.Cancel(c.tag, false); err != nil {
		t.logger.Warn("consumer cancel failed", "key", key, "error", err)
	}
	return c.channel.Close()
}

// SubscriberCount is not supported by AMQP topic exchanges.
func (t *Transport) SubscriberCount(ctx context.Context, channel string) (int, error) {
	return 0, broker.ErrSubscriberCountUnsupported
}

// Connected reports whether the transport has a usable connection.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.conn != nil && !t.conn.IsClosed()
}

// Close shuts down all consumers and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.done)
	t.rootCancel()

	for key, c := range t.consumers {
		if err := c.channel.Close(); err != nil {
			t.logger.Warn("failed to close consumer channel", "key", key, "error", err)
		}
	}
	t.consumers = make(map[string]*consumer)
	t.specs = make(map[string]*subscriptionSpec)

	if t.pubCh != nil {
		t.pubCh.Close()
		t.pubCh = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// BindingKeyForPattern converts a glob channel pattern into an AMQP topic
// binding key that never under-delivers. The leading literal segments are
// kept and everything from the first glob segment on becomes `#`; the glob
// forms AMQP cannot express (`?`, bracket classes, mid-segment `*`) are
// filtered by the broker's local matcher instead.
func BindingKeyForPattern(pattern string) string {
	segments := strings.Split(pattern, ".")
	var literal []string
	for _, seg := range segments {
		if strings.ContainsAny(seg, "*?[") {
			break
		}
		literal = append(literal, seg)
	}
	if len(literal) == 0 {
		return "#"
	}
	return strings.Join(literal, ".") + ".#"
}
