package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Publish path errors
	ErrNotInitialized  = errors.New("broker: not initialized")
	ErrPayloadTooLarge = errors.New("broker: payload exceeds maximum message size")
	ErrEmptyChannel    = errors.New("broker: channel name cannot be empty")
	ErrNilPayload      = errors.New("broker: payload cannot be nil")

	// Subscription errors
	ErrSubscriptionLimitExceeded = errors.New("broker: subscription limit exceeded for service")
	ErrSubscriptionNotFound      = errors.New("broker: subscription not found")
	ErrSubscriptionInactive      = errors.New("broker: subscription is not active")
	ErrNoCallbackConfigured      = errors.New("broker: subscription has no callback URL")

	// Transport errors
	ErrTransportUnavailable = errors.New("broker: transport connection unavailable")

	// Delivery errors
	ErrWebhookTimeout = errors.New("broker: webhook request timed out")
	ErrMessageExpired = errors.New("broker: message expired")
)

// WebhookError represents a non-2xx response from a subscriber's callback.
type WebhookError struct {
	SubscriptionID string
	MessageID      string
	URL            string
	StatusCode     int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d for message %s (subscription %s)",
		e.URL, e.StatusCode, e.MessageID, e.SubscriptionID)
}

// PayloadTooLargeError carries the offending and allowed sizes.
type PayloadTooLargeError struct {
	Size    int
	MaxSize int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload size %d exceeds maximum message size %d", e.Size, e.MaxSize)
}

func (e *PayloadTooLargeError) Unwrap() error {
	return ErrPayloadTooLarge
}

// SubscriptionLimitError reports a per-service subscription cap violation.
type SubscriptionLimitError struct {
	ServiceName string
	Limit       int
}

func (e *SubscriptionLimitError) Error() string {
	return fmt.Sprintf("service %s already holds %d active subscriptions", e.ServiceName, e.Limit)
}

func (e *SubscriptionLimitError) Unwrap() error {
	return ErrSubscriptionLimitExceeded
}

// DeliveryExhaustedError is recorded when a message runs out of delivery attempts.
// It is never returned to publishers; it appears in logs and dead-letter headers.
type DeliveryExhaustedError struct {
	SubscriptionID string
	MessageID      string
	Attempts       int
	FirstAttempt   time.Time
	LastError      error
}

func (e *DeliveryExhaustedError) Error() string {
	return fmt.Sprintf("delivery of message %s to subscription %s exhausted after %d attempts: %v",
		e.MessageID, e.SubscriptionID, e.Attempts, e.LastError)
}

func (e *DeliveryExhaustedError) Unwrap() error {
	return e.LastError
}

// IsRetryableDeliveryError reports whether a dispatch error should leave the
// message pending for timeout-driven redelivery. Validation-shaped failures
// (no callback, inactive subscription) are terminal.
func IsRetryableDeliveryError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoCallbackConfigured):
		return false
	case errors.Is(err, ErrSubscriptionInactive):
		return false
	case errors.Is(err, ErrMessageExpired):
		return false
	}
	return true
}
