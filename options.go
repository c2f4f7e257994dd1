package hubrelay

import (
	"log/slog"

	"github.com/hubrelay/hubrelay-go/broker"
	"github.com/hubrelay/hubrelay-go/codec"
)

// clientConfig collects everything NewClient needs before assembly.
type clientConfig struct {
	logger        *slog.Logger
	store         broker.MessageStore
	deadLettering bool
	reaping       bool

	codecOptions     []codec.Option
	publisherOptions []broker.PublisherOption
	registryOptions  []broker.RegistryOption
	engineOptions    []broker.EngineOption
	listenerOptions  []broker.ListenerOption
	reaperOptions    []broker.ReaperOption
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		logger:        slog.Default(),
		deadLettering: true,
		reaping:       true,
	}
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithStore enables message persistence and channel history through the
// given store.
func WithStore(store broker.MessageStore) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithoutDeadLettering disables republishing of exhausted messages to
// deadletter channels.
func WithoutDeadLettering() ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLettering = false
	}
}

// WithoutReaper disables the stale-subscription reaper.
func WithoutReaper() ClientOption {
	return func(cfg *clientConfig) {
		cfg.reaping = false
	}
}

// WithCodecOptions forwards options to the envelope codec.
func WithCodecOptions(options ...codec.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codecOptions = append(cfg.codecOptions, options...)
	}
}

// WithPublisherOptions forwards options to the publisher.
func WithPublisherOptions(options ...broker.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, options...)
	}
}

// WithRegistryOptions forwards options to the subscription registry.
func WithRegistryOptions(options ...broker.RegistryOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registryOptions = append(cfg.registryOptions, options...)
	}
}

// WithDeliveryOptions forwards options to every delivery engine the
// registry creates.
func WithDeliveryOptions(options ...broker.EngineOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.engineOptions = append(cfg.engineOptions, options...)
	}
}

// WithListenerOptions forwards options to the inbound listener.
func WithListenerOptions(options ...broker.ListenerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listenerOptions = append(cfg.listenerOptions, options...)
	}
}

// WithReaperOptions forwards options to the stale-subscription reaper.
func WithReaperOptions(options ...broker.ReaperOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reaperOptions = append(cfg.reaperOptions, options...)
	}
}
