package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority indicates the advisory delivery priority of a message.
// It is carried in the envelope but does not affect scheduling.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid returns true if p is one of the defined priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ContentEncodingGzip marks a payload that was gzip-compressed by the codec.
const ContentEncodingGzip = "gzip"

// Envelope is the self-describing unit exchanged on the wire.
// Once constructed it must be treated as immutable; redelivery reuses the
// same envelope instance.
type Envelope struct {
	ID              string            `json:"id"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	ReplyTo         string            `json:"replyTo,omitempty"`
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	Priority        Priority          `json:"priority"`
	TTL             time.Duration     `json:"ttl,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         json.RawMessage   `json:"payload"`
}

// EnvelopeOption configures envelope construction.
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the correlation ID propagated across hops.
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = correlationID
	}
}

// WithReplyTo sets the channel replies should be published to.
func WithReplyTo(replyTo string) EnvelopeOption {
	return func(e *Envelope) {
		e.ReplyTo = replyTo
	}
}

// WithPriority sets the advisory priority.
func WithPriority(priority Priority) EnvelopeOption {
	return func(e *Envelope) {
		e.Priority = priority
	}
}

// WithTTL sets the message time-to-live.
func WithTTL(ttl time.Duration) EnvelopeOption {
	return func(e *Envelope) {
		e.TTL = ttl
	}
}

// WithEnvelopeHeaders merges headers into the envelope.
func WithEnvelopeHeaders(headers map[string]string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			e.Headers[k] = v
		}
	}
}

// WithContentType sets the payload content type.
func WithContentType(contentType string) EnvelopeOption {
	return func(e *Envelope) {
		e.ContentType = contentType
	}
}

// NewEnvelope creates an envelope with a generated ID and current timestamp.
func NewEnvelope(payload []byte, options ...EnvelopeOption) *Envelope {
	e := &Envelope{
		ID:          uuid.New().String(),
		ContentType: "application/json",
		Priority:    PriorityNormal,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// FallbackEnvelope wraps raw bytes that could not be decoded as an envelope.
// The payload is preserved verbatim so delivery can continue best-effort.
func FallbackEnvelope(raw []byte) *Envelope {
	return &Envelope{
		ID:          uuid.New().String(),
		ContentType: "application/octet-stream",
		Priority:    PriorityNormal,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}
}

// Age returns how long ago the envelope was created.
func (e *Envelope) Age() time.Duration {
	return time.Since(e.Timestamp)
}

// Expired reports whether the envelope has outlived its TTL.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired() bool {
	return e.TTL > 0 && e.Age() > e.TTL
}
