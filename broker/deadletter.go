package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hubrelay/hubrelay-go/contracts"
)

// DeadLetterChannelPrefix prefixes the channel a dead-lettered message is
// republished to, so `orders.created` dead-letters to
// `deadletter.orders.created`.
const DeadLetterChannelPrefix = "deadletter."

// NewDeadLetterFunc routes exhausted messages back through the publisher
// onto the dead-letter channel derived from the original channel. The
// republished envelope carries the failure context in its headers.
func NewDeadLetterFunc(publisher *Publisher, logger *slog.Logger) DeadLetterFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, channel string, env *contracts.Envelope, reason string) {
		headers := map[string]string{
			"x-deadletter-reason":   reason,
			"x-original-channel":    channel,
			"x-original-message-id": env.ID,
			"x-deadlettered-at":     time.Now().UTC().Format(time.RFC3339),
		}

		opts := []contracts.EnvelopeOption{
			contracts.WithEnvelopeHeaders(env.Headers),
			contracts.WithEnvelopeHeaders(headers),
			contracts.WithContentType(env.ContentType),
		}
		if env.CorrelationID != "" {
			opts = append(opts, contracts.WithCorrelationID(env.CorrelationID))
		}

		_, err := publisher.PublishMessage(ctx, DeadLetterChannelPrefix+channel, env.Payload,
			WithoutPersistence(),
			WithEnvelopeOptions(opts...),
		)
		if err != nil {
			logger.Error("failed to dead-letter message",
				"messageId", env.ID,
				"channel", channel,
				"reason", reason,
				"error", err,
			)
			return
		}

		logger.Info("message dead-lettered",
			"messageId", env.ID,
			"channel", channel,
			"deadLetterChannel", DeadLetterChannelPrefix+channel,
			"reason", reason,
		)
	}
}
