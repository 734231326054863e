package share

import (
	"context"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
)

const (
	// DefaultMaxAttempts bounds the retry budget for transient failures.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the first backoff delay; it doubles per attempt.
	DefaultBaseDelay = 500 * time.Millisecond
)

// ShouldRetry reports whether a failed attempt should be retried. Only
// transient upstream failures are retried, and only while the attempt
// budget lasts. Attempts are 1-based.
func ShouldRetry(attempt, maxAttempts int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	return mediagateway.IsTransient(err)
}

// BackoffDelay returns the delay before the given 1-based attempt is
// retried: base, 2*base, 4*base, ...
func BackoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Sleeper waits for the given duration or until the context expires. Tests
// inject a no-op implementation.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
