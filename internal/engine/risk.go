package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bracketguard/internal/domain"
)

// ErrRiskLimit is returned by CheckOrder when an order would breach a
// configured risk limit.
var ErrRiskLimit = errors.New("risk limit exceeded")

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints.
type RiskManager struct {
	maxPositionPct  float64
	maxDailyLossPct float64

	mu        sync.Mutex
	dailyLoss float64
	day       string
	now       func() time.Time
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of equity that may be lost in a single
//     trading day (e.g. 0.02 for 2%).
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
		now:             time.Now,
	}
}

// CheckOrder evaluates whether the proposed order complies with the
// configured risk limits given the current account state.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, account *domain.AccountInfo) error {
	if order == nil || order.Qty <= 0 {
		return fmt.Errorf("%w: empty order", ErrRiskLimit)
	}
	if account == nil || account.Equity <= 0 {
		return fmt.Errorf("%w: no account equity", ErrRiskLimit)
	}

	price := order.LimitPrice
	if price <= 0 {
		price = order.StopPrice
	}
	if price <= 0 {
		return fmt.Errorf("%w: order %s has no price to size against", ErrRiskLimit, order.Symbol)
	}
	notional := price * float64(order.Qty)

	if rm.maxPositionPct > 0 {
		if limit := rm.maxPositionPct * account.Equity; notional > limit {
			return fmt.Errorf("%w: %s notional %.2f exceeds %.2f (%.1f%% of equity)",
				ErrRiskLimit, order.Symbol, notional, limit, rm.maxPositionPct*100)
		}
	}
	if notional > account.BuyingPower {
		return fmt.Errorf("%w: %s notional %.2f exceeds buying power %.2f",
			ErrRiskLimit, order.Symbol, notional, account.BuyingPower)
	}

	if rm.maxDailyLossPct > 0 {
		loss := rm.DailyLoss()
		if limit := rm.maxDailyLossPct * account.Equity; loss >= limit {
			return fmt.Errorf("%w: daily loss %.2f reached limit %.2f", ErrRiskLimit, loss, limit)
		}
	}
	return nil
}

// RecordLoss adds a realised loss to today's total. Gains are ignored.
func (rm *RiskManager) RecordLoss(amount float64) {
	if amount <= 0 {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollover()
	rm.dailyLoss += amount
}

// DailyLoss returns today's realised loss.
func (rm *RiskManager) DailyLoss() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollover()
	return rm.dailyLoss
}

// rollover resets the loss counter on a new day. Must be called with mu held.
func (rm *RiskManager) rollover() {
	day := rm.now().Format("2006-01-02")
	if day != rm.day {
		rm.day = day
		rm.dailyLoss = 0
	}
}
