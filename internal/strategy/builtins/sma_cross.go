// Package builtins provides built-in strategy implementations that ship with
// bracketguard.
package builtins

import (
	"context"
	"sync"

	"bracketguard/internal/domain"
	"bracketguard/internal/indicators"
	"bracketguard/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It emits a
// long intent when the short-period SMA crosses above the long-period SMA,
// and a short intent when it crosses below. The stop sits at the extreme of
// the short window; the target is left to the engine's reward/risk default.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	qty         int64
	allowShort  bool

	mu      sync.Mutex
	history map[string][]domain.Bar
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods, sizing every intent at qty shares.
func NewSMACross(short, long int, qty int64) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		qty:         qty,
		allowShort:  true,
		history:     make(map[string][]domain.Bar),
	}
}

// LongOnly disables short intents.
func (s *SMACross) LongOnly() *SMACross {
	s.allowShort = false
	return s
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init resets the price history.
func (s *SMACross) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string][]domain.Bar)
	return nil
}

// OnBar appends bar to the symbol's history and reports a crossover on it.
func (s *SMACross) OnBar(_ context.Context, bar domain.Bar) ([]domain.EntryIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[bar.Symbol], bar)
	if keep := s.longPeriod + 1; len(h) > keep {
		h = h[len(h)-keep:]
	}
	s.history[bar.Symbol] = h
	if s.shortPeriod <= 0 || s.longPeriod <= s.shortPeriod || len(h) < s.longPeriod+1 {
		return nil, nil
	}

	prev := h[:len(h)-1]
	prevShort, prevLong := indicators.SMA(prev, s.shortPeriod), indicators.SMA(prev, s.longPeriod)
	curShort, curLong := indicators.SMA(h, s.shortPeriod), indicators.SMA(h, s.longPeriod)

	var side domain.PositionSide
	switch {
	case prevShort <= prevLong && curShort > curLong:
		side = domain.PositionSideLong
	case prevShort >= prevLong && curShort < curLong && s.allowShort:
		side = domain.PositionSideShort
	default:
		return nil, nil
	}

	intent := domain.EntryIntent{
		Symbol:      bar.Symbol,
		Side:        side,
		Qty:         s.qty,
		SignalPrice: bar.Close,
		Strategy:    s.Name(),
		CreatedAt:   bar.Timestamp,
	}
	window := h[len(h)-s.shortPeriod:]
	if side == domain.PositionSideLong {
		if low := minLow(window); low < bar.Close {
			intent.StopPrice = low
		}
	} else {
		if high := maxHigh(window); high > bar.Close {
			intent.StopPrice = high
		}
	}
	return []domain.EntryIntent{intent}, nil
}

func minLow(bars []domain.Bar) float64 {
	low := bars[0].Low
	for _, b := range bars[1:] {
		low = min(low, b.Low)
	}
	return low
}

func maxHigh(bars []domain.Bar) float64 {
	high := bars[0].High
	for _, b := range bars[1:] {
		high = max(high, b.High)
	}
	return high
}
