package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition is not met before
// the timeout elapses.
var ErrPollTimeout = errors.New("poll timed out")

// Poll calls check immediately and then every interval until it reports
// done, returns an error, the timeout elapses, or ctx is cancelled. It is the
// single way the engine waits for the broker to confirm something; callers
// never sleep and re-check once.
//
// A non-nil error from check aborts the poll immediately; checks that want
// to tolerate transient failures should report (false, nil) instead.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (done bool, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %v", ErrPollTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
