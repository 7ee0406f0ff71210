package engine

import (
	"context"
	"errors"
	"fmt"

	"bracketguard/internal/domain"
	"bracketguard/internal/util"
)

// Builder computes protective prices and submits stop and target orders.
// Together with the Resolver it is the only code that touches live
// protective orders.
type Builder struct {
	*env
}

// StopPrice returns the stop to place for pos given the current price
// (0 if unknown).
//
// An upstream stop is used only if it sits on the loss side of entry and at
// least MinStopDistancePct away; otherwise the floor distance applies. A
// stop ratcheted by a bracket adjustment is kept as long as the market has
// not crossed it. A stop the market has already crossed is clamped just
// inside the current price so the broker accepts it.
func (b *Builder) StopPrice(pos domain.Position, price float64) float64 {
	sign := pos.Side.Sign()
	floor := pos.EntryPrice * (1 - sign*b.cfg.MinStopDistancePct)

	stop := floor
	switch want := pos.StopPrice; {
	case want <= 0:
	case pos.BracketAdjusted:
		if price <= 0 || lossSide(pos.Side, want, price) {
			stop = want
		}
	case sign*(floor-want) >= 0:
		// At least as far from entry as the floor.
		stop = want
	}

	if price > 0 && !lossSide(pos.Side, stop, price) {
		stop = price * (1 - sign*b.cfg.StopPriceBufferPct)
	}

	if pos.Side == domain.PositionSideShort {
		return util.RoundPriceUp(stop)
	}
	return util.RoundPriceDown(stop)
}

// TargetPrice returns the take-profit to pair with stop, or 0 when pos has
// no target or the target no longer sits beyond both the stop and the
// current price (0 if unknown).
func (b *Builder) TargetPrice(pos domain.Position, stop, price float64) float64 {
	if pos.TargetPrice <= 0 {
		return 0
	}
	target := util.RoundPrice(pos.TargetPrice)
	sign := pos.Side.Sign()
	if sign*(target-stop) <= 0 || (price > 0 && sign*(target-price) <= 0) {
		return 0
	}
	return target
}

// EnsureStop places the position's exit orders and waits until the broker
// reports the stop active. The stop covers the full quantity; when the
// position has a usable target the two are submitted as one OCO pair, so
// both rest against the same shares and one leg filling cancels the other.
//
// A held or rejected stop is returned as an error of kind ErrOrderHeld or
// ErrOrderRejected. On success the ledger records both order IDs (the
// target's empty when none was placed) and marks the position protected.
// The caller must hold the symbol lock and have released the shares.
func (b *Builder) EnsureStop(ctx context.Context, pos domain.Position) (domain.ProtectiveOrder, error) {
	return b.place(ctx, pos, true)
}

func (b *Builder) place(ctx context.Context, pos domain.Position, withTarget bool) (domain.ProtectiveOrder, error) {
	if pos.Qty <= 0 {
		return domain.ProtectiveOrder{}, opError("ensure_stop", pos.Symbol, ErrOrderRejected,
			fmt.Errorf("no shares to protect (qty %d)", pos.Qty))
	}

	price, _ := b.latestPrice(ctx, pos.Symbol)
	stop := b.StopPrice(pos, price)
	var target float64
	if withTarget {
		target = b.TargetPrice(pos, stop, price)
	}

	req := domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.ExitSide(),
		Type:          domain.OrderTypeStop,
		TimeInForce:   domain.TimeInForceGTC,
		Qty:           pos.Qty,
		StopPrice:     stop,
		ClientOrderID: clientOrderID(domain.OrderKindStop),
	}
	if target > 0 {
		req.Class = domain.OrderClassOCO
		req.LimitPrice = target
		req.ClientOrderID = clientOrderID(domain.OrderKindTarget)
	}
	o, err := b.submit(ctx, req)
	if err != nil {
		return domain.ProtectiveOrder{}, brokerError("ensure_stop", pos.Symbol, err)
	}

	var targetID string
	if target > 0 {
		targetID = o.ID
		if o, err = b.stopLeg(ctx, o); err != nil {
			return domain.ProtectiveOrder{}, err
		}
	}

	o, err = b.awaitActive(ctx, o)
	if err != nil {
		return domain.ProtectiveOrder{}, err
	}

	now := b.now()
	b.ledger.Update(pos.Symbol, func(p *domain.Position) {
		p.StopPrice = stop
		p.StopOrderID = o.ID
		p.TargetOrderID = targetID
		if target > 0 {
			p.TargetPrice = target
		}
		if p.InitialStop == 0 {
			p.InitialStop = stop
		}
		p.ProtectionState = domain.ProtectionProtected
		p.LastVerifiedAt = now
	})

	b.log.Info("stop placed", "symbol", pos.Symbol, "order_id", o.ID, "qty", pos.Qty,
		"stop", stop, "target", target, "target_id", targetID, "price", price)
	return domain.Classify(*o, pos.Side), nil
}

// stopLeg finds the stop leg of a submitted OCO parent, asking the broker
// when the submit response did not carry the legs.
func (b *Builder) stopLeg(ctx context.Context, parent *domain.Order) (*domain.Order, error) {
	isStop := func(o domain.Order) bool {
		return o.Type == domain.OrderTypeStop || o.Type == domain.OrderTypeStopLimit
	}
	for i := range parent.Legs {
		if isStop(parent.Legs[i]) {
			return &parent.Legs[i], nil
		}
	}
	orders, err := b.openOrders(ctx, parent.Symbol)
	if err != nil {
		return nil, brokerError("ensure_stop", parent.Symbol, err)
	}
	for i := range orders {
		if orders[i].ParentID == parent.ID && isStop(orders[i]) {
			return &orders[i], nil
		}
	}
	return nil, opError("ensure_stop", parent.Symbol, ErrBrokerTransient,
		fmt.Errorf("stop leg of %s not found", parent.ID))
}

// awaitActive polls a freshly submitted order until the broker activates,
// holds or rejects it.
func (b *Builder) awaitActive(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	last := o
	check := func(o *domain.Order) (bool, error) {
		switch {
		case o.Status.IsActive():
			return true, nil
		case o.Status == domain.OrderStatusHeld:
			return false, opError("ensure_stop", o.Symbol, ErrOrderHeld, fmt.Errorf("stop %s held by broker", o.ID))
		case o.Status == domain.OrderStatusFilled:
			return false, opError("ensure_stop", o.Symbol, ErrOrderRejected, fmt.Errorf("stop %s filled on submit", o.ID))
		case o.Status.IsTerminal():
			return false, opError("ensure_stop", o.Symbol, ErrOrderRejected, fmt.Errorf("stop %s %s", o.ID, o.Status))
		}
		return false, nil
	}

	if done, err := check(o); done || err != nil {
		return o, err
	}

	err := util.Poll(ctx, b.cfg.PollInterval, b.cfg.AcceptTimeout, func(ctx context.Context) (bool, error) {
		cur, err := b.getOrder(ctx, o.ID)
		if err != nil {
			return false, nil
		}
		last = cur
		return check(cur)
	})
	if err != nil {
		var oe *OpError
		if errors.As(err, &oe) {
			return last, err
		}
		return last, opError("ensure_stop", o.Symbol, ErrBrokerTransient, fmt.Errorf("stop %s not active (%s): %w", o.ID, last.Status, err))
	}
	return last, nil
}
