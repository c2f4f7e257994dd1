package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically cancels subscriptions that have been idle longer than
// the subscription timeout. Per-message safety nets live in each delivery
// engine's heartbeat; the reaper handles whole-subscription expiry.
type Reaper struct {
	registry *SubscriptionRegistry
	logger   *slog.Logger

	interval            time.Duration
	subscriptionTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReaperOption configures the Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the logger.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithReaperInterval sets the sweep cadence.
func WithReaperInterval(interval time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = interval
	}
}

// WithSubscriptionTimeout sets how long a subscription may stay idle before
// it is cancelled.
func WithSubscriptionTimeout(timeout time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.subscriptionTimeout = timeout
	}
}

// NewReaper creates a reaper sweeping the given registry.
func NewReaper(registry *SubscriptionRegistry, options ...ReaperOption) *Reaper {
	r := &Reaper{
		registry:            registry,
		logger:              slog.Default(),
		interval:            60 * time.Second,
		subscriptionTimeout: time.Hour,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep cancels every subscription idle past the subscription timeout.
// It is exported so callers can trigger an immediate sweep.
func (r *Reaper) Sweep() {
	cutoff := time.Now().Add(-r.subscriptionTimeout)

	for _, info := range r.registry.List("") {
		if info.Status == StatusCancelled {
			continue
		}
		if info.LastActivity.After(cutoff) {
			continue
		}

		r.logger.Info("cancelling idle subscription",
			"subscriptionId", info.ID,
			"service", info.ServiceName,
			"pattern", info.ChannelPattern,
			"lastActivity", info.LastActivity,
		)
		if err := r.registry.Cancel(info.ID); err != nil {
			r.logger.Warn("failed to cancel idle subscription",
				"subscriptionId", info.ID,
				"error", err,
			)
		}
	}
}
