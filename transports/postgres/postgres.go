// Package postgres provides a ChannelTransport over PostgreSQL
// LISTEN/NOTIFY. Postgres notification channels cannot express wildcards, so
// every message travels on one broker-wide notification channel wrapped in a
// small JSON frame carrying the logical channel name; subscribers filter
// locally.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hubrelay/hubrelay-go/broker"
)

// ErrPayloadTooLarge is returned when a frame exceeds the NOTIFY payload
// limit (8000 bytes).
var ErrPayloadTooLarge = errors.New("postgres: notify payload exceeds 8000 bytes")

// notifyChannel is the single Postgres notification channel carrying all
// traffic.
const notifyChannel = "hubrelay_messages"

// maxNotifyPayload is the Postgres limit on pg_notify payload size.
const maxNotifyPayload = 8000

// frame is the wire format carried in the NOTIFY payload.
type frame struct {
	Channel string `json:"channel"`
	Body    []byte `json:"body"`
}

type subscriberEntry struct {
	handler broker.MessageHandler
}

// Transport is the Postgres-backed channel multiplexer.
type Transport struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu       sync.RWMutex
	exact    map[string]*subscriberEntry
	patterns map[string]*subscriberEntry
	closed   bool

	// root bounds handler invocations and the listen loop; it is cancelled
	// on Close so subscriptions live as long as the transport, not as long
	// as the context they were registered under.
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a transport over an existing connection pool and starts the
// listen loop.
func New(ctx context.Context, pool *pgxpool.Pool, options ...Option) (*Transport, error) {
	t := &Transport{
		pool:     pool,
		logger:   slog.Default(),
		exact:    make(map[string]*subscriberEntry),
		patterns: make(map[string]*subscriberEntry),
	}

	for _, opt := range options {
		opt(t)
	}

	t.root, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.listen(t.root)

	return t, nil
}

// listen holds a dedicated connection on LISTEN and dispatches incoming
// frames. The connection is re-acquired after failures.
func (t *Transport) listen(ctx context.Context) {
	defer t.wg.Done()

	for ctx.Err() == nil {
		if err := t.listenOnce(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("listen loop failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (t *Transport) listenOnce(ctx context.Context) error {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		t.dispatch([]byte(notification.Payload))
	}
}

// dispatch decodes a frame and fans it out to matching subscribers.
func (t *Transport) dispatch(payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.logger.Warn("discarding malformed notification frame", "error", err)
		return
	}

	t.mu.RLock()
	var targets []*subscriberEntry
	if entry, ok := t.exact[f.Channel]; ok {
		targets = append(targets, entry)
	}
	for pattern, entry := range t.patterns {
		if broker.MatchChannel(f.Channel, pattern) {
			targets = append(targets, entry)
		}
	}
	t.mu.RUnlock()

	for _, entry := range targets {
		if t.root.Err() != nil {
			return
		}
		body := make([]byte, len(f.Body))
		copy(body, f.Body)
		go entry.handler(t.root, f.Channel, body)
	}
}

// Publish sends one message via pg_notify.
func (t *Transport) Publish(ctx context.Context, channel string, body []byte) error {
	payload, err := encodeFrame(channel, body)
	if err != nil {
		return err
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify to %q: %w", channel, err)
	}
	return nil
}

// PublishBatch sends all messages inside one transaction; Postgres holds
// notifications until commit, so the batch is delivered atomically or not
// at all.
func (t *Transport) PublishBatch(ctx context.Context, messages []broker.ChannelMessage) error {
	payloads := make([]string, 0, len(messages))
	for _, msg := range messages {
		payload, err := encodeFrame(msg.Channel, msg.Body)
		if err != nil {
			return err
		}
		payloads = append(payloads, string(payload))
	}

	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		for i, payload := range payloads {
			if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, payload); err != nil {
				return fmt.Errorf("pg_notify to %q: %w", messages[i].Channel, err)
			}
		}
		return nil
	})
}

func encodeFrame(channel string, body []byte) ([]byte, error) {
	payload, err := json.Marshal(frame{Channel: channel, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode notification frame: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}

// Subscribe registers a handler for one exact channel. The context scopes
// the registration call only; the handler stays live until Unsubscribe or
// Close.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("postgres: transport closed")
	}
	t.exact[channel] = &subscriberEntry{handler: handler}
	return nil
}

// PSubscribe registers a handler for a glob pattern. The context scopes the
// registration call only, as with Subscribe.
func (t *Transport) PSubscribe(ctx context.Context, pattern string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("postgres: transport closed")
	}
	t.patterns[pattern] = &subscriberEntry{handler: handler}
	return nil
}

// Unsubscribe removes an exact-channel handler.
func (t *Transport) Unsubscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exact, channel)
	return nil
}

// PUnsubscribe removes a pattern handler.
func (t *Transport) PUnsubscribe(pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.patterns, pattern)
	return nil
}

// SubscriberCount reports how many local handlers would receive a message on
// the channel. Remote listeners on other processes are not visible.
func (t *Transport) SubscriberCount(ctx context.Context, channel string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	if _, ok := t.exact[channel]; ok {
		count++
	}
	for pattern := range t.patterns {
		if broker.MatchChannel(channel, pattern) {
			count++
		}
	}
	return count, nil
}

// Connected reports whether the pool can reach the database.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.pool.Ping(ctx) == nil
}

// Close stops the listen loop. The pool is owned by the caller and is not
// closed here.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.exact = make(map[string]*subscriberEntry)
	t.patterns = make(map[string]*subscriberEntry)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}
