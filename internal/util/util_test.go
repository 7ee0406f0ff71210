package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"bracketguard/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	attempts := 0

	err := RetryIf(context.Background(), 5, 0, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("RetryIf error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("RetryIf called fn %d times, want 1", attempts)
	}
}

func TestPollSucceeds(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("Poll returned unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Poll called check %d times, want 3", calls)
	}
}

func TestPollTimeout(t *testing.T) {
	err := Poll(context.Background(), time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("Poll error = %v, want ErrPollTimeout", err)
	}
}

func TestPollAbortsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Poll error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("Poll called check %d times, want 1", calls)
	}
}

func TestPollHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll error = %v, want context.Canceled", err)
	}
}

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		in, want, down, up float64
	}{
		{99.004, 99.00, 99.00, 99.01},
		{12.3456, 12.35, 12.34, 12.35},
		{0.123456, 0.1235, 0.1234, 0.1235},
		{50, 50, 50, 50},
	}
	for _, tt := range tests {
		if got := RoundPrice(tt.in); got != tt.want {
			t.Errorf("RoundPrice(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if got := RoundPriceDown(tt.in); got != tt.down {
			t.Errorf("RoundPriceDown(%v) = %v, want %v", tt.in, got, tt.down)
		}
		if got := RoundPriceUp(tt.in); got != tt.up {
			t.Errorf("RoundPriceUp(%v) = %v, want %v", tt.in, got, tt.up)
		}
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}
}

func TestRateLimiterReserve(t *testing.T) {
	t0 := time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC)
	now := t0
	rl := NewBurstRateLimiter(60, 2)
	rl.now = func() time.Time { return now }
	rl.last = t0

	for i := 0; i < 2; i++ {
		if got := rl.reserve(); got != 0 {
			t.Fatalf("reserve #%d = %v, want 0 within burst", i+1, got)
		}
	}
	if got := rl.reserve(); got != time.Second {
		t.Errorf("reserve past burst = %v, want 1s", got)
	}
	now = t0.Add(500 * time.Millisecond)
	if got := rl.reserve(); got != 1500*time.Millisecond {
		t.Errorf("reserve after 500ms = %v, want 1.5s", got)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, 5, time.Hour, func() error {
		attempts++
		cancel()
		return errors.New("transient error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestTradingCalendar(t *testing.T) {
	cal := NewTradingCalendar(domain.MarketUS)
	et := cal.loc

	// Wednesday 2024-06-12.
	if !cal.IsMarketOpen(time.Date(2024, 6, 12, 10, 0, 0, 0, et)) {
		t.Error("IsMarketOpen(Wed 10:00 ET) = false, want true")
	}
	if cal.IsMarketOpen(time.Date(2024, 6, 12, 9, 29, 0, 0, et)) {
		t.Error("IsMarketOpen(Wed 09:29 ET) = true, want false")
	}
	if cal.IsMarketOpen(time.Date(2024, 6, 12, 16, 0, 0, 0, et)) {
		t.Error("IsMarketOpen(Wed 16:00 ET) = true, want false")
	}
	// Saturday.
	if cal.IsMarketOpen(time.Date(2024, 6, 15, 11, 0, 0, 0, et)) {
		t.Error("IsMarketOpen(Sat) = true, want false")
	}

	// Friday after close -> Monday open.
	next := cal.NextOpen(time.Date(2024, 6, 14, 17, 0, 0, 0, et))
	want := time.Date(2024, 6, 17, 9, 30, 0, 0, et)
	if !next.Equal(want) {
		t.Errorf("NextOpen(Fri 17:00) = %v, want %v", next, want)
	}

	close := cal.NextClose(time.Date(2024, 6, 12, 10, 0, 0, 0, et))
	wantClose := time.Date(2024, 6, 12, 16, 0, 0, 0, et)
	if !close.Equal(wantClose) {
		t.Errorf("NextClose(Wed 10:00) = %v, want %v", close, wantClose)
	}
}
