package retry

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxAttempts bounds every retried operation
	DefaultMaxAttempts = 3

	// InitialBackoff is the delay before the second attempt
	InitialBackoff = 100 * time.Millisecond

	// MaxBackoff caps the delay between attempts
	MaxBackoff = 5 * time.Second

	// BackoffMultiplier grows the delay after each failure
	BackoffMultiplier = 2.0
)

// Config configures exponential backoff retry behavior
type Config struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Initial delay between attempts
	MaxDelay    time.Duration // Maximum delay between attempts
	Multiplier  float64       // Exponential backoff multiplier
}

// DefaultConfig returns sensible defaults for network retry
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   InitialBackoff,
		MaxDelay:    MaxBackoff,
		Multiplier:  BackoffMultiplier,
	}
}

// Delay returns the backoff before attempt n (0-based, n >= 1)
func (c Config) Delay(n int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d > c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// permanentError stops retrying immediately
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn with exponential backoff.
// Retry is skipped on context cancellation, on Permanent errors, and when
// retryable is non-nil and returns false.
func Do[T any](ctx context.Context, config Config, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(config.Delay(attempt + 1)):
			}
		}
	}

	return zero, lastErr
}
