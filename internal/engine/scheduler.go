package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"bracketguard/internal/domain"
)

// ErrQueueFull is returned by SubmitIntent when the entry queue is full.
var ErrQueueFull = errors.New("entry queue full")

// SubmitIntent queues an entry intent for the entry loop. It never blocks.
func (e *Engine) SubmitIntent(intent domain.EntryIntent) error {
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = e.env.now()
	}
	select {
	case e.intents <- intent:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drives the verifier, bracket adjuster, partial-exit check and entry
// loop until ctx is cancelled. Verification runs regardless of market
// hours; the other loops only while the market is open.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.tick(ctx, "verify", e.cfg.Protection.VerifyInterval, false, func(ctx context.Context) {
			if _, err := e.verifier.VerifyAll(ctx); err != nil {
				e.env.log.Warn("verification pass failed", "error", err)
			}
		})
		return nil
	})

	if e.cfg.Bracket.Enabled && e.adjuster.momentum != nil {
		g.Go(func() error {
			e.tick(ctx, "adjust", e.cfg.Bracket.AdjustInterval, true, func(ctx context.Context) {
				e.adjuster.AdjustAll(ctx)
			})
			return nil
		})
	}

	if e.cfg.PartialExit.Enabled {
		g.Go(func() error {
			e.tick(ctx, "partial_exit", e.cfg.PartialExit.CheckInterval, true, func(ctx context.Context) {
				e.partials.CheckAll(ctx)
			})
			return nil
		})
	}

	g.Go(func() error {
		e.entryLoop(ctx)
		return nil
	})

	return g.Wait()
}

// tick runs fn immediately and then every interval. Passes never overlap.
func (e *Engine) tick(ctx context.Context, name string, interval time.Duration, marketHours bool, fn func(context.Context)) {
	log := e.env.log.With("loop", name)
	if interval <= 0 {
		log.Warn("loop disabled: non-positive interval")
		return
	}
	log.Info("loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !marketHours || e.marketOpen(e.env.now()) {
			fn(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) entryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-e.intents:
			if !e.marketOpen(e.env.now()) {
				e.env.log.Info("entry dropped: market closed", "symbol", intent.Symbol, "strategy", intent.Strategy)
				continue
			}
			res, err := e.entries.Execute(ctx, intent)
			if err != nil {
				e.env.log.Warn("entry failed", "symbol", intent.Symbol, "outcome", res.Outcome, "error", err)
			}
		}
	}
}
