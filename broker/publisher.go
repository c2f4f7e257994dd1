package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubrelay/hubrelay-go/codec"
	"github.com/hubrelay/hubrelay-go/contracts"
	"github.com/hubrelay/hubrelay-go/internal/reliability"
)

// Publisher writes envelopes to transport channels, optionally persisting
// them for introspection. Persistence is best-effort; the transport write is
// not.
type Publisher struct {
	transport ChannelTransport
	store     MessageStore
	codec     *codec.Codec
	stats     *BrokerStats
	logger    *slog.Logger

	retryPolicy reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker

	maxMessageSize int
	defaultTTL     time.Duration

	mu             sync.Mutex
	activeChannels map[string]time.Time
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherStats sets the shared broker counters.
func WithPublisherStats(stats *BrokerStats) PublisherOption {
	return func(p *Publisher) {
		p.stats = stats
	}
}

// WithMessageStore enables best-effort message persistence.
func WithMessageStore(store MessageStore) PublisherOption {
	return func(p *Publisher) {
		p.store = store
	}
}

// WithMaxMessageSize caps the encoded envelope size.
func WithMaxMessageSize(size int) PublisherOption {
	return func(p *Publisher) {
		p.maxMessageSize = size
	}
}

// WithDefaultTTL sets the TTL applied to envelopes that carry none.
func WithDefaultTTL(ttl time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.defaultTTL = ttl
	}
}

// WithRetryPolicy sets the transport write retry policy.
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithCircuitBreaker protects transport writes with a circuit breaker.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.breaker = breaker
	}
}

// NewPublisher creates a publisher over the given transport.
func NewPublisher(transport ChannelTransport, c *codec.Codec, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:      transport,
		codec:          c,
		stats:          NewBrokerStats(),
		logger:         slog.Default(),
		retryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		maxMessageSize: 1 << 20, // 1MB
		defaultTTL:     time.Hour,
		activeChannels: make(map[string]time.Time),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// publishConfig collects per-call publish options.
type publishConfig struct {
	persistent bool
	envOptions []contracts.EnvelopeOption
}

// PublishOption configures one publish call.
type PublishOption func(*publishConfig)

// WithoutPersistence skips the best-effort durability write.
func WithoutPersistence() PublishOption {
	return func(c *publishConfig) {
		c.persistent = false
	}
}

// WithEnvelopeOptions applies envelope options (correlation id, reply-to,
// headers, priority, TTL) to the published message.
func WithEnvelopeOptions(options ...contracts.EnvelopeOption) PublishOption {
	return func(c *publishConfig) {
		c.envOptions = append(c.envOptions, options...)
	}
}

// PublishMessage builds an envelope for the payload and writes it to the
// channel. It fails synchronously only for structural problems: bad input,
// size limit, or an unusable transport.
func (p *Publisher) PublishMessage(ctx context.Context, channel string, payload []byte, options ...PublishOption) (string, error) {
	cfg := publishConfig{persistent: true}
	for _, opt := range options {
		opt(&cfg)
	}

	env, encoded, err := p.prepare(channel, payload, cfg.envOptions)
	if err != nil {
		p.stats.RecordPublishFailure()
		return "", err
	}

	if err := p.write(ctx, channel, encoded); err != nil {
		p.stats.RecordPublishFailure()
		return "", err
	}

	if cfg.persistent {
		p.persist(ctx, channel, env, encoded)
	}

	p.recordChannelActivity(channel)
	p.stats.RecordPublish(len(encoded))

	p.logger.Debug("message published",
		"messageId", env.ID,
		"channel", channel,
		"bytes", len(encoded),
	)

	return env.ID, nil
}

// eventPayload is the canonical wrapper PublishEvent wraps event data in.
type eventPayload struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	SourceService string          `json:"sourceService"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EventResult reports the outcome of an event fan-out.
type EventResult struct {
	EventID           string    `json:"eventId"`
	PublishedChannels []string  `json:"publishedChannels"`
	Timestamp         time.Time `json:"timestamp"`
}

// EventChannels returns the fixed set of channel names an event fans out to.
func EventChannels(eventType, sourceService string) []string {
	return []string{
		fmt.Sprintf("events.%s", eventType),
		fmt.Sprintf("events.%s.%s", sourceService, eventType),
		fmt.Sprintf("events.%s.*", sourceService),
		"events.*",
	}
}

// PublishEvent wraps the event data in a canonical payload and publishes it
// to the derived event channels. Each channel publish is independent: one
// failure is logged and excluded from the result without aborting the rest.
func (p *Publisher) PublishEvent(ctx context.Context, eventType, sourceService string, eventData any, options ...PublishOption) (*EventResult, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type", contracts.ErrEmptyChannel)
	}

	data, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event data: %w", err)
	}

	result := &EventResult{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(eventPayload{
		EventID:       result.EventID,
		EventType:     eventType,
		SourceService: sourceService,
		Data:          data,
		Timestamp:     result.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event payload: %w", err)
	}

	var lastErr error
	for _, channel := range EventChannels(eventType, sourceService) {
		if _, err := p.PublishMessage(ctx, channel, payload, options...); err != nil {
			lastErr = err
			p.logger.Warn("event publish failed for channel",
				"eventId", result.EventID,
				"channel", channel,
				"error", err,
			)
			continue
		}
		result.PublishedChannels = append(result.PublishedChannels, channel)
	}

	if len(result.PublishedChannels) == 0 && lastErr != nil {
		return nil, fmt.Errorf("event %s reached no channels: %w", result.EventID, lastErr)
	}

	return result, nil
}

// BulkMessage is one entry of a bulk publish.
type BulkMessage struct {
	Channel string
	Payload []byte
	Options []contracts.EnvelopeOption
}

// BulkItemResult reports the outcome of one bulk entry.
type BulkItemResult struct {
	Index     int    `json:"index"`
	Channel   string `json:"channel"`
	MessageID string `json:"messageId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BulkResult reports the outcome of a bulk publish.
type BulkResult struct {
	PublishedCount int              `json:"publishedCount"`
	FailedCount    int              `json:"failedCount"`
	Results        []BulkItemResult `json:"results"`
}

// BulkOption configures PublishBulk.
type BulkOption func(*bulkConfig)

type bulkConfig struct {
	failOnError bool
	envOptions  []contracts.EnvelopeOption
}

// WithFailOnError stops validation at the first invalid entry; entries after
// it are not processed.
func WithFailOnError() BulkOption {
	return func(c *bulkConfig) {
		c.failOnError = true
	}
}

// WithBulkEnvelopeOptions applies envelope options to every bulk entry.
func WithBulkEnvelopeOptions(options ...contracts.EnvelopeOption) BulkOption {
	return func(c *bulkConfig) {
		c.envOptions = append(c.envOptions, options...)
	}
}

// PublishBulk validates each message, then submits the valid ones as one
// batched transport write. The batch is all-or-nothing at the transport
// boundary: a batch failure marks every validated entry as failed.
func (p *Publisher) PublishBulk(ctx context.Context, messages []BulkMessage, options ...BulkOption) (*BulkResult, error) {
	cfg := bulkConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	if err := p.ready(); err != nil {
		return nil, err
	}

	result := &BulkResult{Results: make([]BulkItemResult, 0, len(messages))}

	type validEntry struct {
		index   int
		env     *contracts.Envelope
		encoded []byte
	}
	var valid []validEntry
	var batch []ChannelMessage

	for i, msg := range messages {
		opts := append(append([]contracts.EnvelopeOption{}, cfg.envOptions...), msg.Options...)
		env, encoded, err := p.prepare(msg.Channel, msg.Payload, opts)
		if err != nil {
			result.FailedCount++
			result.Results = append(result.Results, BulkItemResult{
				Index:   i,
				Channel: msg.Channel,
				Error:   err.Error(),
			})
			if cfg.failOnError {
				break
			}
			continue
		}

		valid = append(valid, validEntry{index: i, env: env, encoded: encoded})
		batch = append(batch, ChannelMessage{Channel: msg.Channel, Body: encoded})
		result.Results = append(result.Results, BulkItemResult{
			Index:     i,
			Channel:   msg.Channel,
			MessageID: env.ID,
			Success:   true,
		})
	}

	if len(batch) == 0 {
		return result, nil
	}

	if err := p.writeBatch(ctx, batch); err != nil {
		// All-or-nothing: the whole batch failed, including entries already
		// marked successful above.
		for i := range result.Results {
			if result.Results[i].Success {
				result.Results[i].Success = false
				result.Results[i].Error = err.Error()
				result.FailedCount++
			}
		}
		result.PublishedCount = 0
		p.stats.RecordPublishFailure()
		p.logger.Error("bulk publish failed", "messages", len(batch), "error", err)
		return result, nil
	}

	for _, entry := range valid {
		channel := messages[entry.index].Channel
		p.persist(ctx, channel, entry.env, entry.encoded)
		p.recordChannelActivity(channel)
		p.stats.RecordPublish(len(entry.encoded))
	}
	result.PublishedCount = len(valid)

	return result, nil
}

// ChannelInfo is the read-only introspection view of a channel.
type ChannelInfo struct {
	Channel         string    `json:"channel"`
	SubscriberCount int       `json:"subscriberCount"`
	MessageCount    int       `json:"messageCount"`
	LastActivity    time.Time `json:"lastActivity"`
	IsActive        bool      `json:"isActive"`
}

// GetChannelInfo combines transport subscriber counts with the locally
// persisted recent-message list.
func (p *Publisher) GetChannelInfo(ctx context.Context, channel string) (*ChannelInfo, error) {
	if channel == "" {
		return nil, contracts.ErrEmptyChannel
	}
	if err := p.ready(); err != nil {
		return nil, err
	}

	info := &ChannelInfo{Channel: channel}

	count, err := p.transport.SubscriberCount(ctx, channel)
	if err != nil && !errors.Is(err, ErrSubscriberCountUnsupported) {
		return nil, fmt.Errorf("failed to read subscriber count: %w", err)
	}
	info.SubscriberCount = count

	if p.store != nil {
		ids, err := p.store.GetList(ctx, recentMessagesKey(channel))
		if err != nil {
			p.logger.Warn("failed to read recent messages", "channel", channel, "error", err)
		} else {
			info.MessageCount = len(ids)
		}
	}

	p.mu.Lock()
	last, active := p.activeChannels[channel]
	p.mu.Unlock()
	info.LastActivity = last
	info.IsActive = active

	return info, nil
}

// ActiveChannels returns the channels this publisher has written to.
func (p *Publisher) ActiveChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := make([]string, 0, len(p.activeChannels))
	for ch := range p.activeChannels {
		channels = append(channels, ch)
	}
	return channels
}

// prepare validates inputs and encodes the envelope, enforcing the size cap.
func (p *Publisher) prepare(channel string, payload []byte, envOptions []contracts.EnvelopeOption) (*contracts.Envelope, []byte, error) {
	if err := p.ready(); err != nil {
		return nil, nil, err
	}
	if channel == "" {
		return nil, nil, contracts.ErrEmptyChannel
	}
	if payload == nil {
		return nil, nil, contracts.ErrNilPayload
	}

	env := contracts.NewEnvelope(payload, envOptions...)
	if env.TTL == 0 {
		env.TTL = p.defaultTTL
	}

	encoded, err := p.codec.Encode(env)
	if err != nil {
		return nil, nil, err
	}
	if len(encoded) > p.maxMessageSize {
		return nil, nil, &contracts.PayloadTooLargeError{
			Size:    len(encoded),
			MaxSize: p.maxMessageSize,
		}
	}

	return env, encoded, nil
}

// ready checks that the publisher can reach the transport.
func (p *Publisher) ready() error {
	if p.transport == nil {
		return contracts.ErrNotInitialized
	}
	if !p.transport.Connected() {
		return contracts.ErrTransportUnavailable
	}
	return nil
}

// write performs one transport publish under the retry policy and breaker.
func (p *Publisher) write(ctx context.Context, channel string, body []byte) error {
	fn := func() error {
		return p.transport.Publish(ctx, channel, body)
	}
	if p.breaker != nil {
		inner := fn
		fn = func() error {
			return p.breaker.Execute(ctx, inner)
		}
	}

	if err := reliability.Retry(ctx, p.retryPolicy, fn); err != nil {
		return fmt.Errorf("transport publish to %q failed: %w", channel, err)
	}
	return nil
}

func (p *Publisher) writeBatch(ctx context.Context, batch []ChannelMessage) error {
	fn := func() error {
		return p.transport.PublishBatch(ctx, batch)
	}
	if p.breaker != nil {
		inner := fn
		fn = func() error {
			return p.breaker.Execute(ctx, inner)
		}
	}
	return reliability.Retry(ctx, p.retryPolicy, fn)
}

// persist stores the raw envelope bytes and appends its id to the channel's
// recent-message list. Failures are logged, never surfaced: durability is
// best-effort, delivery is not.
func (p *Publisher) persist(ctx context.Context, channel string, env *contracts.Envelope, encoded []byte) {
	if p.store == nil {
		return
	}

	ttl := env.TTL
	if ttl == 0 {
		ttl = p.defaultTTL
	}

	if err := p.store.Set(ctx, messageKey(channel, env.ID), encoded, ttl); err != nil {
		p.logger.Warn("failed to persist message",
			"messageId", env.ID,
			"channel", channel,
			"error", err,
		)
		return
	}
	if err := p.store.AppendList(ctx, recentMessagesKey(channel), env.ID, ttl); err != nil {
		p.logger.Warn("failed to record message in channel list",
			"messageId", env.ID,
			"channel", channel,
			"error", err,
		)
	}
}

func (p *Publisher) recordChannelActivity(channel string) {
	p.mu.Lock()
	p.activeChannels[channel] = time.Now()
	p.mu.Unlock()
}

func messageKey(channel, messageID string) string {
	return fmt.Sprintf("message:%s:%s", channel, messageID)
}

func recentMessagesKey(channel string) string {
	return fmt.Sprintf("channel:%s:messages", channel)
}
