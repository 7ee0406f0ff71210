package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket sized for a per-minute request budget such
// as Alpaca's 200 requests/minute. Callers that cannot get a token reserve
// one and sleep exactly until it becomes available.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration // time to earn one token
	burst    int
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewRateLimiter allows perMinute calls per minute, one at a time.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstRateLimiter(perMinute, 1)
}

// NewBurstRateLimiter allows perMinute calls per minute with up to burst
// calls back to back.
func NewBurstRateLimiter(perMinute, burst int) *RateLimiter {
	perMinute = max(perMinute, 1)
	burst = max(burst, 1)
	return &RateLimiter{
		interval: time.Minute / time.Duration(perMinute),
		burst:    burst,
		tokens:   float64(burst),
		last:     time.Now(),
		now:      time.Now,
	}
}

// Wait takes a token, blocking until one is available or ctx is done. A
// cancelled wait gives its reserved token back.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	wait := rl.reserve()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.mu.Lock()
		rl.tokens++
		rl.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve takes a token, possibly driving the balance negative, and
// returns how long the caller must wait for it.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += float64(now.Sub(rl.last)) / float64(rl.interval)
	rl.tokens = min(rl.tokens, float64(rl.burst))
	rl.last = now

	rl.tokens--
	if rl.tokens >= 0 {
		return 0
	}
	return time.Duration(-rl.tokens * float64(rl.interval))
}
