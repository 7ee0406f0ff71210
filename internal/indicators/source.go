package indicators

import (
	"context"
	"fmt"
	"time"

	"bracketguard/internal/broker"
)

// MomentumSource returns a momentum reading for a symbol. Callers check
// Reading.AsOf for freshness.
type MomentumSource interface {
	Momentum(ctx context.Context, symbol string) (Reading, error)
}

// BarMomentum computes readings from recent one-minute bars.
type BarMomentum struct {
	bars     broker.BarSource
	lookback int
	params   Params
	now      func() time.Time
}

// NewBarMomentum returns a MomentumSource over bars. lookback is the number
// of bars requested per reading and is raised to the minimum Compute needs.
func NewBarMomentum(bars broker.BarSource, lookback int) *BarMomentum {
	p := DefaultParams()
	return &BarMomentum{
		bars:     bars,
		lookback: max(lookback, p.MinBars()),
		params:   p,
		now:      time.Now,
	}
}

// Momentum implements MomentumSource.
func (m *BarMomentum) Momentum(ctx context.Context, symbol string) (Reading, error) {
	bars, err := m.bars.RecentBars(ctx, symbol, m.lookback, m.now())
	if err != nil {
		return Reading{}, fmt.Errorf("bars for %s: %w", symbol, err)
	}
	r, err := Compute(bars, m.params)
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w (%d bars)", symbol, err, len(bars))
	}
	return r, nil
}

var _ MomentumSource = (*BarMomentum)(nil)
