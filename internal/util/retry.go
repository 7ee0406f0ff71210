package util

import (
	"context"
	"time"
)

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 5 * time.Second

// Retry calls fn up to maxAttempts times, doubling the pause between
// attempts from baseDelay. It returns the last error when every attempt
// fails.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return RetryIf(ctx, maxAttempts, baseDelay, func(error) bool { return true }, fn)
}

// RetryIf is Retry for calls whose failures are not all worth repeating:
// an error for which retryable reports false is returned at once. Only use
// it for idempotent calls.
func RetryIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	maxAttempts = max(maxAttempts, 1)
	delay := baseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retryable(err) || attempt == maxAttempts {
			return err
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = min(delay*2, maxRetryDelay)
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
