package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hubrelay/hubrelay-go/contracts"
)

// RegisterRequest describes a subscription registration. Validation runs
// before any state is touched.
type RegisterRequest struct {
	ServiceName         string            `validate:"required"`
	Channel             string            `validate:"required"`
	CallbackURL         string            `validate:"required,url"`
	Headers             map[string]string `validate:"-"`
	FilterCriteria      map[string]string `validate:"-"` // reserved
	MaxDeliveryAttempts int               `validate:"omitempty,min=1"`
	AckTimeout          time.Duration     `validate:"omitempty,min=0"`
	BatchSize           int               `validate:"omitempty,min=1"` // reserved
	AutoAck             bool
}

// SubscriptionRegistry is the in-memory table of active subscriptions,
// indexed by id, owning service, and channel pattern. It owns every
// subscription's lifecycle and the transport-level subscribe calls backing
// shared patterns.
type SubscriptionRegistry struct {
	transport ChannelTransport
	handler   MessageHandler
	stats     *BrokerStats
	logger    *slog.Logger
	validate  *validator.Validate

	maxPerService      int
	defaultAckTimeout  time.Duration
	defaultMaxAttempts int
	engineOptions      []EngineOption

	mu        sync.RWMutex
	byID      map[string]*Subscription
	byService map[string]map[string]*Subscription
	byPattern map[string]map[string]*Subscription
	engines   map[string]*DeliveryEngine
}

// RegistryOption configures the SubscriptionRegistry.
type RegistryOption func(*SubscriptionRegistry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.logger = logger
	}
}

// WithRegistryStats sets the shared broker counters.
func WithRegistryStats(stats *BrokerStats) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.stats = stats
	}
}

// WithMaxSubscriptionsPerService caps active subscriptions per owning service.
func WithMaxSubscriptionsPerService(max int) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.maxPerService = max
	}
}

// WithDefaultAckTimeout sets the ack timeout applied when a registration
// does not specify one.
func WithDefaultAckTimeout(timeout time.Duration) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.defaultAckTimeout = timeout
	}
}

// WithDefaultMaxAttempts sets the delivery attempt budget applied when a
// registration does not specify one.
func WithDefaultMaxAttempts(attempts int) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.defaultMaxAttempts = attempts
	}
}

// WithEngineOptions forwards options to every subscription's delivery engine.
func WithEngineOptions(options ...EngineOption) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.engineOptions = append(r.engineOptions, options...)
	}
}

// NewSubscriptionRegistry creates a registry backed by the given transport.
func NewSubscriptionRegistry(transport ChannelTransport, options ...RegistryOption) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		transport:          transport,
		stats:              NewBrokerStats(),
		logger:             slog.Default(),
		validate:           validator.New(),
		maxPerService:      50,
		defaultAckTimeout:  30 * time.Second,
		defaultMaxAttempts: 3,
		byID:               make(map[string]*Subscription),
		byService:          make(map[string]map[string]*Subscription),
		byPattern:          make(map[string]map[string]*Subscription),
		engines:            make(map[string]*DeliveryEngine),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// AttachHandler sets the transport message handler used for every
// transport-level subscribe call. It must be set before Register is called;
// the listener provides it during broker wiring.
func (r *SubscriptionRegistry) AttachHandler(handler MessageHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Register validates the request, stores the subscription, starts its
// delivery engine, and issues the transport-level subscribe for its pattern
// if no other subscription shares it.
func (r *SubscriptionRegistry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if err := r.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid subscription request: %w", err)
	}

	if req.MaxDeliveryAttempts == 0 {
		req.MaxDeliveryAttempts = r.defaultMaxAttempts
	}
	if req.AckTimeout == 0 {
		req.AckTimeout = r.defaultAckTimeout
	}
	if req.BatchSize == 0 {
		req.BatchSize = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler == nil {
		return "", fmt.Errorf("%w: no transport handler attached", contracts.ErrNotInitialized)
	}

	if len(r.byService[req.ServiceName]) >= r.maxPerService {
		return "", &contracts.SubscriptionLimitError{
			ServiceName: req.ServiceName,
			Limit:       r.maxPerService,
		}
	}

	now := time.Now()
	sub := &Subscription{
		ID:                  uuid.New().String(),
		ServiceName:         req.ServiceName,
		ChannelPattern:      req.Channel,
		CallbackURL:         req.CallbackURL,
		WebhookHeaders:      req.Headers,
		MaxDeliveryAttempts: req.MaxDeliveryAttempts,
		AckTimeout:          req.AckTimeout,
		BatchSize:           req.BatchSize,
		AutoAck:             req.AutoAck,
		CreatedAt:           now,
		status:              StatusActive,
		lastActivity:        now,
		pending:             make(map[string]*pendingMessage),
	}

	// The first subscription on a pattern claims the transport subscription;
	// later ones share it.
	if len(r.byPattern[req.Channel]) == 0 {
		var err error
		if HasGlobMeta(req.Channel) {
			err = r.transport.PSubscribe(ctx, req.Channel, r.handler)
		} else {
			err = r.transport.Subscribe(ctx, req.Channel, r.handler)
		}
		if err != nil {
			return "", fmt.Errorf("transport subscribe for %q failed: %w", req.Channel, err)
		}
	}

	engineOpts := append([]EngineOption{
		WithEngineLogger(r.logger),
		WithEngineStats(r.stats),
	}, r.engineOptions...)
	engine := NewDeliveryEngine(sub, engineOpts...)

	r.byID[sub.ID] = sub
	if r.byService[sub.ServiceName] == nil {
		r.byService[sub.ServiceName] = make(map[string]*Subscription)
	}
	r.byService[sub.ServiceName][sub.ID] = sub
	if r.byPattern[sub.ChannelPattern] == nil {
		r.byPattern[sub.ChannelPattern] = make(map[string]*Subscription)
	}
	r.byPattern[sub.ChannelPattern][sub.ID] = sub
	r.engines[sub.ID] = engine

	engine.Start()
	r.stats.SubscriptionOpened()

	r.logger.Info("subscription registered",
		"subscriptionId", sub.ID,
		"service", sub.ServiceName,
		"pattern", sub.ChannelPattern,
		"autoAck", sub.AutoAck,
	)

	return sub.ID, nil
}

// Cancel stops a subscription's worker synchronously, removes it from the
// indexes, and releases the transport subscription if it was the last one on
// its pattern. Cancelling an already-cancelled subscription is a no-op.
func (r *SubscriptionRegistry) Cancel(subscriptionID string) error {
	r.mu.Lock()
	sub, ok := r.byID[subscriptionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrSubscriptionNotFound, subscriptionID)
	}
	if sub.Status() == StatusCancelled {
		r.mu.Unlock()
		return nil
	}
	sub.setStatus(StatusCancelled)
	engine := r.engines[subscriptionID]
	r.mu.Unlock()

	// Stop the worker and heartbeat before touching the indexes so no task
	// outlives its subscription.
	if engine != nil {
		engine.Stop()
	}

	r.mu.Lock()
	delete(r.byID, subscriptionID)
	delete(r.engines, subscriptionID)
	if svc := r.byService[sub.ServiceName]; svc != nil {
		delete(svc, subscriptionID)
		if len(svc) == 0 {
			delete(r.byService, sub.ServiceName)
		}
	}
	// The transport unsubscribe happens under the lock, mirroring Register's
	// subscribe, so a concurrent Register on the same pattern cannot slip a
	// fresh transport subscription into the window and have it torn down.
	if pat := r.byPattern[sub.ChannelPattern]; pat != nil {
		delete(pat, subscriptionID)
		if len(pat) == 0 {
			delete(r.byPattern, sub.ChannelPattern)
			var err error
			if HasGlobMeta(sub.ChannelPattern) {
				err = r.transport.PUnsubscribe(sub.ChannelPattern)
			} else {
				err = r.transport.Unsubscribe(sub.ChannelPattern)
			}
			if err != nil {
				r.logger.Warn("transport unsubscribe failed",
					"pattern", sub.ChannelPattern,
					"error", err,
				)
			}
		}
	}
	r.mu.Unlock()

	r.stats.SubscriptionClosed()
	r.logger.Info("subscription cancelled",
		"subscriptionId", subscriptionID,
		"service", sub.ServiceName,
		"pattern", sub.ChannelPattern,
	)

	return nil
}

// Pause suspends dispatching for a subscription. Messages keep queueing.
func (r *SubscriptionRegistry) Pause(subscriptionID string) error {
	return r.transition(subscriptionID, StatusActive, StatusPaused)
}

// Resume reactivates a paused subscription.
func (r *SubscriptionRegistry) Resume(subscriptionID string) error {
	return r.transition(subscriptionID, StatusPaused, StatusActive)
}

func (r *SubscriptionRegistry) transition(subscriptionID string, from, to SubscriptionStatus) error {
	r.mu.RLock()
	sub, ok := r.byID[subscriptionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrSubscriptionNotFound, subscriptionID)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.status != from {
		return fmt.Errorf("%w: subscription %s is %s", contracts.ErrSubscriptionInactive, subscriptionID, sub.status)
	}
	sub.status = to
	return nil
}

// Acknowledge resolves a pending message on the given subscription.
func (r *SubscriptionRegistry) Acknowledge(subscriptionID, messageID string, success bool, reason string) error {
	r.mu.RLock()
	engine, ok := r.engines[subscriptionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrSubscriptionNotFound, subscriptionID)
	}
	return engine.Acknowledge(messageID, success, reason)
}

// Get returns a snapshot of one subscription.
func (r *SubscriptionRegistry) Get(subscriptionID string) (SubscriptionInfo, error) {
	r.mu.RLock()
	sub, ok := r.byID[subscriptionID]
	r.mu.RUnlock()
	if !ok {
		return SubscriptionInfo{}, fmt.Errorf("%w: %s", contracts.ErrSubscriptionNotFound, subscriptionID)
	}
	return sub.Info(), nil
}

// List returns snapshots of all subscriptions, optionally filtered by
// owning service.
func (r *SubscriptionRegistry) List(serviceName string) []SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []SubscriptionInfo
	if serviceName != "" {
		for _, sub := range r.byService[serviceName] {
			infos = append(infos, sub.Info())
		}
		return infos
	}
	for _, sub := range r.byID {
		infos = append(infos, sub.Info())
	}
	return infos
}

// Route returns the delivery engines of every subscription whose pattern
// matches the concrete channel name. The local match runs on every message
// regardless of how the transport routed it. Paused subscriptions are
// included: their queues keep filling and the worker's pause gate holds
// dispatch until Resume.
func (r *SubscriptionRegistry) Route(channel string) []*DeliveryEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var engines []*DeliveryEngine
	for pattern, subs := range r.byPattern {
		if !MatchChannel(channel, pattern) {
			continue
		}
		for id, sub := range subs {
			switch sub.Status() {
			case StatusActive, StatusPaused:
			default:
				continue
			}
			if engine, ok := r.engines[id]; ok {
				engines = append(engines, engine)
			}
		}
	}
	return engines
}

// SubscriberCount returns how many local subscriptions match a channel.
func (r *SubscriptionRegistry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for pattern, subs := range r.byPattern {
		if MatchChannel(channel, pattern) {
			count += len(subs)
		}
	}
	return count
}

// Close cancels every subscription.
func (r *SubscriptionRegistry) Close() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Cancel(id); err != nil {
			r.logger.Warn("failed to cancel subscription during close",
				"subscriptionId", id,
				"error", err,
			)
		}
	}
	return nil
}
