package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrNonRetryable marks errors that must not be retried.
var ErrNonRetryable = errors.New("reliability: error is not retryable")

// RetryPolicy decides whether an operation should be attempted again and how
// long to wait before doing so.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed after the given
	// zero-based attempt number failed, and the delay before it.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// ExponentialBackoff retries with exponentially growing, jittered delays.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Factor          float64
	MaxAttempts     int
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, factor float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Factor:          factor,
		MaxAttempts:     maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts-1 {
		return false, 0
	}
	if errors.Is(err, ErrNonRetryable) {
		return false, 0
	}

	b := &backoff.Backoff{
		Min:    e.InitialInterval,
		Max:    e.MaxInterval,
		Factor: e.Factor,
		Jitter: true,
	}
	return true, b.ForAttempt(float64(attempt))
}

// LinearBackoff retries with a fixed delay.
type LinearBackoff struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewLinearBackoff creates a fixed-delay policy.
func NewLinearBackoff(interval time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{Interval: interval, MaxAttempts: maxAttempts}
}

// ShouldRetry implements RetryPolicy.
func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.MaxAttempts-1 {
		return false, 0
	}
	if errors.Is(err, ErrNonRetryable) {
		return false, 0
	}
	return true, l.Interval
}

// RetryError wraps the final error after all attempts were spent.
type RetryError struct {
	Attempts  int
	Duration  time.Duration
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("all %d attempts failed over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Retry runs fn until it succeeds, the policy gives up, or the context is
// cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		ok, delay := policy.ShouldRetry(attempt, err)
		if !ok {
			return &RetryError{
				Attempts:  attempt + 1,
				Duration:  time.Since(start),
				LastError: err,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
