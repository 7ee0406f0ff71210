package strategy

import (
	"context"
	"log/slog"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
)

// IntentSink accepts entry intents. The engine's SubmitIntent satisfies it.
type IntentSink func(domain.EntryIntent) error

// Runner polls recent bars for a watchlist, feeds bars it has not seen to a
// strategy and forwards the resulting intents.
type Runner struct {
	strat     Strategy
	bars      broker.BarSource
	sink      IntentSink
	watchlist []string
	lookback  int
	log       *slog.Logger
	now       func() time.Time

	// last holds the newest bar timestamp fed per symbol.
	last map[string]time.Time
}

// NewRunner creates a Runner that asks bars for up to lookback bars per
// symbol on every poll.
func NewRunner(s Strategy, bars broker.BarSource, sink IntentSink, watchlist []string, lookback int, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if lookback <= 0 {
		lookback = 60
	}
	return &Runner{
		strat:     s,
		bars:      bars,
		sink:      sink,
		watchlist: watchlist,
		lookback:  lookback,
		log:       log.With("component", "strategy", "strategy", s.Name()),
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
}

// Run initialises the strategy and polls every interval until ctx is done.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if err := r.strat.Init(ctx); err != nil {
		return err
	}
	r.log.Info("strategy runner started", "symbols", len(r.watchlist), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Poll(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("strategy runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one round over the watchlist and returns the number of intents
// forwarded. The first bars seen for a symbol only warm the strategy up;
// intents from them are discarded as stale.
func (r *Runner) Poll(ctx context.Context) int {
	sent := 0
	for _, sym := range r.watchlist {
		if ctx.Err() != nil {
			break
		}
		bars, err := r.bars.RecentBars(ctx, sym, r.lookback, r.now())
		if err != nil {
			r.log.Warn("fetching bars failed", "symbol", sym, "error", err)
			continue
		}

		last, seen := r.last[sym]
		for _, bar := range bars {
			if seen && !bar.Timestamp.After(last) {
				continue
			}
			intents, err := r.strat.OnBar(ctx, bar)
			if err != nil {
				r.log.Warn("strategy error", "symbol", sym, "error", err)
				continue
			}
			last = bar.Timestamp
			if !seen {
				continue
			}
			for _, in := range intents {
				if err := r.sink(in); err != nil {
					r.log.Warn("intent not accepted", "symbol", in.Symbol, "error", err)
					continue
				}
				r.log.Info("intent submitted", "symbol", in.Symbol, "side", in.Side,
					"qty", in.Qty, "signal", in.SignalPrice, "stop", in.StopPrice)
				sent++
			}
		}
		if len(bars) > 0 {
			r.last[sym] = last
		}
	}
	return sent
}
