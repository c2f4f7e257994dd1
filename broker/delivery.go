package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hubrelay/hubrelay-go/contracts"
)

var (
	// ErrQueueFull is returned when a subscription's delivery queue cannot
	// accept another message. The message is dropped and counted rather than
	// stalling the listener.
	ErrQueueFull = errors.New("broker: delivery queue is full")

	// ErrMessageNotPending is returned when acknowledging a message id that
	// is not awaiting acknowledgment.
	ErrMessageNotPending = errors.New("broker: message is not pending acknowledgment")
)

// DeadLetterFunc republishes a message that exhausted its delivery attempts.
type DeadLetterFunc func(ctx context.Context, channel string, env *contracts.Envelope, reason string)

// deliveryJob is one unit of work on a subscription's queue.
type deliveryJob struct {
	channel  string
	envelope *contracts.Envelope
	attempt  int
}

// webhookMetadata is the metadata block of the webhook POST body.
type webhookMetadata struct {
	MessageID       string            `json:"messageId"`
	SubscriptionID  string            `json:"subscriptionId"`
	Channel         string            `json:"channel"`
	DeliveryAttempt int               `json:"deliveryAttempt"`
	DeliveredAt     time.Time         `json:"deliveredAt"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	ReplyTo         string            `json:"replyTo,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// webhookBody is the JSON document POSTed to a subscription's callback.
type webhookBody struct {
	Message  json.RawMessage `json:"message"`
	Metadata webhookMetadata `json:"metadata"`
}

// DeliveryEngine runs the delivery state machine for one subscription: a
// bounded FIFO queue, a worker dispatching to the webhook, ack-timeout
// driven redelivery, and dead-lettering once attempts are exhausted.
type DeliveryEngine struct {
	sub        *Subscription
	client     *http.Client
	stats      *BrokerStats
	logger     *slog.Logger
	deadLetter DeadLetterFunc

	heartbeatInterval time.Duration
	webhookTimeout    time.Duration

	queue  chan *deliveryJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOption configures a DeliveryEngine.
type EngineOption func(*DeliveryEngine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *DeliveryEngine) {
		e.logger = logger
	}
}

// WithEngineStats sets the shared broker counters.
func WithEngineStats(stats *BrokerStats) EngineOption {
	return func(e *DeliveryEngine) {
		e.stats = stats
	}
}

// WithHTTPClient sets the webhook HTTP client.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *DeliveryEngine) {
		e.client = client
	}
}

// WithQueueDepth bounds the delivery queue.
func WithQueueDepth(depth int) EngineOption {
	return func(e *DeliveryEngine) {
		e.queue = make(chan *deliveryJob, depth)
	}
}

// WithHeartbeatInterval sets the per-subscription heartbeat cadence.
func WithHeartbeatInterval(interval time.Duration) EngineOption {
	return func(e *DeliveryEngine) {
		e.heartbeatInterval = interval
	}
}

// WithWebhookTimeout bounds each webhook request.
func WithWebhookTimeout(timeout time.Duration) EngineOption {
	return func(e *DeliveryEngine) {
		e.webhookTimeout = timeout
	}
}

// WithDeadLetter sets the dead-letter publisher invoked after the retry
// budget is exhausted.
func WithDeadLetter(fn DeadLetterFunc) EngineOption {
	return func(e *DeliveryEngine) {
		e.deadLetter = fn
	}
}

// NewDeliveryEngine creates an engine for the given subscription.
func NewDeliveryEngine(sub *Subscription, options ...EngineOption) *DeliveryEngine {
	e := &DeliveryEngine{
		sub:               sub,
		client:            &http.Client{Timeout: 30 * time.Second},
		stats:             NewBrokerStats(),
		logger:            slog.Default(),
		heartbeatInterval: 30 * time.Second,
		webhookTimeout:    30 * time.Second,
		queue:             make(chan *deliveryJob, 256),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Start launches the worker and heartbeat goroutines.
func (e *DeliveryEngine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(2)
	go e.workerLoop()
	go e.heartbeatLoop()
}

// Stop cancels the worker and heartbeat and waits for them to exit. Any
// outstanding ack timers are stopped so nothing fires after shutdown.
func (e *DeliveryEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.sub.mu.Lock()
	for _, p := range e.sub.pending {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	e.sub.mu.Unlock()
}

// Enqueue places a message on the delivery queue without blocking. A full
// queue drops the message and records it, so one slow subscriber cannot
// stall delivery to others.
func (e *DeliveryEngine) Enqueue(channel string, env *contracts.Envelope) error {
	switch e.sub.Status() {
	case StatusActive, StatusPaused:
	default:
		return fmt.Errorf("%w: subscription %s is %s", contracts.ErrSubscriptionInactive, e.sub.ID, e.sub.Status())
	}

	job := &deliveryJob{channel: channel, envelope: env, attempt: 1}
	select {
	case e.queue <- job:
		return nil
	default:
		e.stats.RecordDropped()
		e.logger.Warn("delivery queue full, dropping message",
			"subscriptionId", e.sub.ID,
			"messageId", env.ID,
			"channel", channel,
		)
		return ErrQueueFull
	}
}

// Acknowledge resolves a pending message. success=true counts it as
// delivered; success=false is a terminal negative acknowledgment with no
// further retry. The outstanding ack timer is cancelled either way.
func (e *DeliveryEngine) Acknowledge(messageID string, success bool, reason string) error {
	e.sub.mu.Lock()
	p, ok := e.sub.pending[messageID]
	if !ok {
		e.sub.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotPending, messageID)
	}
	delete(e.sub.pending, messageID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if success {
		e.sub.messageCount++
	} else {
		e.sub.errorCount++
	}
	e.sub.lastActivity = time.Now()
	e.sub.mu.Unlock()

	if success {
		e.stats.RecordDelivered()
		e.logger.Debug("message acknowledged",
			"subscriptionId", e.sub.ID,
			"messageId", messageID,
		)
	} else {
		e.stats.RecordDeliveryFailure()
		e.logger.Warn("message negatively acknowledged",
			"subscriptionId", e.sub.ID,
			"messageId", messageID,
			"reason", reason,
		)
	}

	return nil
}

// workerLoop pulls jobs off the queue one at a time and dispatches them.
// It exits when the engine is stopped or the subscription is cancelled.
func (e *DeliveryEngine) workerLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.queue:
			if !e.waitActive() {
				return
			}
			e.dispatch(job)
		}
	}
}

// waitActive blocks while the subscription is paused. It returns false when
// the subscription left the active/paused states or the engine stopped.
func (e *DeliveryEngine) waitActive() bool {
	for {
		switch e.sub.Status() {
		case StatusActive:
			return true
		case StatusPaused:
			select {
			case <-e.ctx.Done():
				return false
			case <-time.After(100 * time.Millisecond):
			}
		default:
			return false
		}
	}
}

// dispatch performs one webhook delivery attempt for a job.
func (e *DeliveryEngine) dispatch(job *deliveryJob) {
	env := job.envelope

	if env.Expired() {
		e.sub.mu.Lock()
		delete(e.sub.pending, env.ID)
		e.sub.errorCount++
		e.sub.mu.Unlock()
		e.stats.RecordDeliveryFailure()
		e.logger.Warn("dropping expired message",
			"subscriptionId", e.sub.ID,
			"messageId", env.ID,
			"age", env.Age(),
		)
		return
	}

	now := time.Now()
	e.sub.mu.Lock()
	p, ok := e.sub.pending[env.ID]
	if !ok {
		p = &pendingMessage{
			channel:      job.channel,
			envelope:     env,
			firstAttempt: now,
		}
		e.sub.pending[env.ID] = p
	}
	p.attempts = job.attempt
	p.lastAttempt = now
	e.sub.lastActivity = now
	e.sub.mu.Unlock()

	err := e.postWebhook(job)
	if err != nil {
		e.sub.mu.Lock()
		e.sub.errorCount++
		if pend, ok := e.sub.pending[env.ID]; ok {
			pend.lastError = err
		}
		e.sub.mu.Unlock()

		e.logger.Warn("webhook delivery failed",
			"subscriptionId", e.sub.ID,
			"messageId", env.ID,
			"attempt", job.attempt,
			"error", err,
		)

		// Structural failures cannot succeed on retry; spending the attempt
		// budget on them only delays the dead-letter.
		if !contracts.IsRetryableDeliveryError(err) {
			e.failExhausted(env.ID, err.Error())
			return
		}

		// The message stays pending; the ack timer drives redelivery so a
		// failing endpoint is not hammered with immediate retries.
		e.armAckTimer(env.ID)
		return
	}

	if e.sub.AutoAck {
		if ackErr := e.Acknowledge(env.ID, true, ""); ackErr != nil {
			e.logger.Warn("auto-ack failed", "messageId", env.ID, "error", ackErr)
		}
		return
	}

	e.sub.touch()
	e.armAckTimer(env.ID)
}

// postWebhook performs the HTTP POST for one delivery attempt.
func (e *DeliveryEngine) postWebhook(job *deliveryJob) error {
	if e.sub.CallbackURL == "" {
		return contracts.ErrNoCallbackConfigured
	}

	env := job.envelope
	body, err := json.Marshal(webhookBody{
		Message: webhookPayload(env.Payload),
		Metadata: webhookMetadata{
			MessageID:       env.ID,
			SubscriptionID:  e.sub.ID,
			Channel:         job.channel,
			DeliveryAttempt: job.attempt,
			DeliveredAt:     time.Now().UTC(),
			CorrelationID:   env.CorrelationID,
			ReplyTo:         env.ReplyTo,
			ContentType:     env.ContentType,
			Headers:         env.Headers,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build webhook body: %w", err)
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subscription-ID", e.sub.ID)
	req.Header.Set("X-Message-ID", env.ID)
	if env.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", env.CorrelationID)
	}
	for k, v := range e.sub.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return contracts.ErrWebhookTimeout
		}
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &contracts.WebhookError{
			SubscriptionID: e.sub.ID,
			MessageID:      env.ID,
			URL:            e.sub.CallbackURL,
			StatusCode:     resp.StatusCode,
		}
	}

	return nil
}

// armAckTimer starts (or restarts) the ack-timeout timer for a pending
// message. The previous timer, if any, is stopped first so only one timer
// per message id is ever outstanding.
func (e *DeliveryEngine) armAckTimer(messageID string) {
	e.sub.mu.Lock()
	defer e.sub.mu.Unlock()

	p, ok := e.sub.pending[messageID]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(e.sub.AckTimeout, func() {
		e.onAckTimeout(messageID)
	})
}

// onAckTimeout fires when a dispatched message was not acknowledged in time.
// It either requeues the message for another attempt or, once the budget is
// spent, dead-letters it.
func (e *DeliveryEngine) onAckTimeout(messageID string) {
	select {
	case <-e.ctx.Done():
		return
	default:
	}

	e.sub.mu.Lock()
	p, ok := e.sub.pending[messageID]
	if !ok {
		// Explicitly acknowledged before the timer was cancelled.
		e.sub.mu.Unlock()
		return
	}
	p.timer = nil

	if p.attempts < e.sub.MaxDeliveryAttempts {
		job := &deliveryJob{channel: p.channel, envelope: p.envelope, attempt: p.attempts + 1}
		e.sub.mu.Unlock()

		select {
		case e.queue <- job:
			e.logger.Debug("requeued message for redelivery",
				"subscriptionId", e.sub.ID,
				"messageId", messageID,
				"attempt", job.attempt,
			)
		default:
			e.stats.RecordDropped()
			e.failExhausted(messageID, "delivery queue full during redelivery")
		}
		return
	}

	e.sub.mu.Unlock()
	e.failExhausted(messageID, "max delivery attempts exhausted")
}

// failExhausted removes a pending message terminally and routes it to the
// dead-letter channel.
func (e *DeliveryEngine) failExhausted(messageID, reason string) {
	e.sub.mu.Lock()
	p, ok := e.sub.pending[messageID]
	if !ok {
		e.sub.mu.Unlock()
		return
	}
	delete(e.sub.pending, messageID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	e.sub.errorCount++
	e.sub.mu.Unlock()

	e.stats.RecordDeliveryFailure()

	exhausted := &contracts.DeliveryExhaustedError{
		SubscriptionID: e.sub.ID,
		MessageID:      messageID,
		Attempts:       p.attempts,
		FirstAttempt:   p.firstAttempt,
		LastError:      p.lastError,
	}
	e.logger.Error("delivery exhausted",
		"subscriptionId", e.sub.ID,
		"messageId", messageID,
		"attempts", p.attempts,
		"reason", reason,
		"error", exhausted,
	)

	if e.deadLetter != nil {
		e.deadLetter(context.Background(), p.channel, p.envelope, reason)
		e.stats.RecordDeadLettered()
	}
}

// heartbeatLoop periodically refreshes liveness and force-fails pending
// messages stuck past twice the ack timeout. The safety net catches
// messages whose timer was lost, e.g. across an engine restart.
func (e *DeliveryEngine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat()
		}
	}
}

func (e *DeliveryEngine) heartbeat() {
	now := time.Now()
	cutoff := 2 * e.sub.AckTimeout

	var stuck []string
	e.sub.mu.Lock()
	e.sub.lastHeartbeat = now
	if len(e.sub.pending) > 0 || len(e.queue) > 0 {
		// In-flight work counts as activity so the reaper only collects
		// genuinely idle subscriptions.
		e.sub.lastActivity = now
	}
	for id, p := range e.sub.pending {
		if now.Sub(p.firstAttempt) > cutoff {
			stuck = append(stuck, id)
		}
	}
	e.sub.mu.Unlock()

	for _, id := range stuck {
		if err := e.Acknowledge(id, false, "message expired"); err == nil {
			e.logger.Warn("force-failed stuck pending message",
				"subscriptionId", e.sub.ID,
				"messageId", id,
			)
		}
	}
}

// webhookPayload renders the envelope payload as JSON for the webhook body.
// Non-JSON payloads (fallback envelopes) are sent base64-encoded.
func webhookPayload(payload json.RawMessage) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	encoded, err := json.Marshal([]byte(payload))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return encoded
}
