package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bracketguard/internal/broker"
	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/metrics"
)

// PartialExitResult describes one partial exit.
type PartialExitResult struct {
	Symbol       string  `json:"symbol"`
	Outcome      string  `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	RequestedQty int64   `json:"requested_qty"`
	SoldQty      int64   `json:"sold_qty"`
	RemainingQty int64   `json:"remaining_qty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	Protection   string  `json:"protection,omitempty"`
}

// Partial exit outcomes.
const (
	PartialExecuted = "executed"
	PartialNoFill   = "no_fill"
	PartialSkipped  = "skipped"
	PartialFailed   = "failed"
)

// PartialExitCoordinator sells part of a position without leaving the rest
// unprotected: free the shares, sell, then re-protect what remains.
type PartialExitCoordinator struct {
	*env
	resolver *Resolver
	verifier *Verifier
	cfg      config.PartialExitConfig
}

// Execute sells fraction of the symbol's position.
func (c *PartialExitCoordinator) Execute(ctx context.Context, symbol string, fraction float64) (PartialExitResult, error) {
	res := PartialExitResult{Symbol: symbol, Outcome: PartialSkipped}
	if fraction <= 0 || fraction >= 1 {
		return res, opError("partial_exit", symbol, ErrOrderRejected,
			fmt.Errorf("fraction %v outside (0, 1)", fraction))
	}

	unlock, err := c.locks.lock(ctx, symbol)
	if err != nil {
		return res, err
	}
	defer unlock()

	pos, ok := c.ledger.Get(symbol)
	if !ok || pos.Qty <= 0 {
		res.Reason = "no_position"
		return res, nil
	}
	return c.executeLocked(ctx, pos, fraction)
}

// CheckAll takes the automatic partial exit for every protected position
// that has reached the milestone and has not taken one yet.
func (c *PartialExitCoordinator) CheckAll(ctx context.Context) []PartialExitResult {
	var out []PartialExitResult
	for _, pos := range c.ledger.Snapshot() {
		if pos.PartialExitTaken || pos.Qty < 2 || pos.ProtectionState != domain.ProtectionProtected {
			continue
		}
		price, ok := c.latestPrice(ctx, pos.Symbol)
		if !ok || pos.RMultiple(price) < c.cfg.TriggerR {
			continue
		}

		unlock, ok := c.locks.tryLock(pos.Symbol)
		if !ok {
			continue
		}
		// Re-read under the lock; another component may have changed it.
		cur, ok := c.ledger.Get(pos.Symbol)
		if !ok || cur.PartialExitTaken {
			unlock()
			continue
		}
		c.log.Info("partial exit milestone reached", "symbol", cur.Symbol, "r", cur.RMultiple(price))
		res, err := c.executeLocked(ctx, cur, c.cfg.Fraction)
		unlock()
		if err != nil {
			c.log.Warn("partial exit failed", "symbol", cur.Symbol, "error", err)
		}
		out = append(out, res)
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

func (c *PartialExitCoordinator) executeLocked(ctx context.Context, pos domain.Position, fraction float64) (PartialExitResult, error) {
	res := PartialExitResult{Symbol: pos.Symbol, Outcome: PartialSkipped, RemainingQty: pos.Qty}

	sellQty := max(int64(math.Floor(float64(pos.Qty)*fraction)), 1)
	if sellQty >= pos.Qty {
		res.Reason = "position_too_small"
		return res, nil
	}
	res.RequestedQty = sellQty

	// 1. Free the shares to sell.
	rel, err := c.resolver.Release(ctx, pos, ReleaseRequest{Need: sellQty})
	before := rel.CancelledIDs()
	if err != nil {
		if len(rel.Cancelled) == 0 {
			res.Reason = "release_failed"
			return res, err
		}
		return c.fail(ctx, pos, res, before, err)
	}

	// 2. Sell.
	o, err := c.submit(ctx, domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.ExitSide(),
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           sellQty,
		ClientOrderID: clientOrderID(domain.OrderKindExit),
	})
	if err != nil {
		return c.fail(ctx, pos, res, before, brokerError("partial_exit", pos.Symbol, err))
	}
	c.ledger.Update(pos.Symbol, func(p *domain.Position) { p.PartialExitTaken = true })

	timeout := c.cfg.FillTimeout
	if timeout <= 0 {
		timeout = c.env.cfg.CancelTimeout
	}
	o, _, err = awaitFill(ctx, c.env, o, c.env.cfg.PollInterval, timeout)
	if err != nil {
		// Fill state unknown; the broker position read below decides
		// how much is left to protect.
		c.log.Error("partial exit fill not confirmed", "symbol", pos.Symbol, "order_id", o.ID, "error", err)
	} else {
		res.SoldQty = o.FilledQty
		res.FillPrice = o.FilledAvgPrice
	}

	// The broker's quantity wins; a verifier pass may already have
	// folded the sale into the ledger.
	remaining := pos.Qty - res.SoldQty
	bp, perr := c.getPosition(ctx, pos.Symbol)
	switch {
	case perr == nil:
		remaining = bp.Qty
	case errors.Is(perr, broker.ErrPositionNotFound):
		remaining = 0
	}
	res.RemainingQty = max(remaining, 0)
	if remaining <= 0 {
		c.log.Info("position closed during partial exit", "symbol", pos.Symbol)
		c.ledger.Remove(pos.Symbol)
		c.alerts.Forget(pos.Symbol)
		metrics.ClearSymbol(pos.Symbol)
		res.Outcome = PartialExecuted
		res.Reason = "position_closed"
		metrics.IncPartialExits(res.Outcome)
		c.record(pos.Symbol, domain.ActionPartialExit, before, []string{o.ID}, res.Outcome,
			fmt.Sprintf("sold=%d/%d remaining=0 fill=%.4f", res.SoldQty, sellQty, res.FillPrice))
		return res, err
	}
	cur, ok := c.ledger.Update(pos.Symbol, func(p *domain.Position) {
		p.Qty = remaining
	})
	if !ok {
		res.Outcome = PartialFailed
		res.Reason = "position_removed"
		return res, err
	}

	// 3. Re-protect the remainder. The stop goes back paired with the
	// target, so the target is restored too.
	out := c.verifier.protectLocked(ctx, cur)
	after := append([]string{o.ID}, c.exitIDs(pos.Symbol)...)
	if p, ok := c.ledger.Get(pos.Symbol); ok {
		res.Protection = string(p.ProtectionState)
	}

	switch {
	case out.err != nil:
		res.Outcome = PartialFailed
		res.Reason = "reprotect_failed"
		err = errors.Join(err, out.err)
	case res.SoldQty == 0:
		res.Outcome = PartialNoFill
	default:
		res.Outcome = PartialExecuted
	}
	metrics.IncPartialExits(res.Outcome)
	c.record(pos.Symbol, domain.ActionPartialExit, before, after, res.Outcome,
		fmt.Sprintf("sold=%d/%d remaining=%d fill=%.4f", res.SoldQty, sellQty, res.RemainingQty, res.FillPrice))
	c.log.Info("partial exit", "symbol", pos.Symbol, "outcome", res.Outcome,
		"sold", res.SoldQty, "remaining", res.RemainingQty, "fill", res.FillPrice, "protection", res.Protection)
	return res, err
}

// fail re-protects the full position after an aborted partial exit.
func (c *PartialExitCoordinator) fail(ctx context.Context, pos domain.Position, res PartialExitResult, before []string, cause error) (PartialExitResult, error) {
	res.Outcome = PartialFailed
	res.Reason = cause.Error()

	cur, ok := c.ledger.Get(pos.Symbol)
	if ok {
		out := c.verifier.protectLocked(ctx, cur)
		if p, ok := c.ledger.Get(pos.Symbol); ok {
			res.Protection = string(p.ProtectionState)
		}
		if out.err != nil {
			cause = errors.Join(cause, out.err)
		}
	}
	metrics.IncPartialExits(res.Outcome)
	c.record(pos.Symbol, domain.ActionPartialExit, before, nil, res.Outcome, cause.Error())
	return res, cause
}
