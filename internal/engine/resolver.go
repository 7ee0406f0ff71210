package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
	"bracketguard/internal/util"
)

// ReleaseRequest describes which resting exit orders may be cancelled and
// how many shares must be free afterwards.
type ReleaseRequest struct {
	// Need is the number of shares that must be available. Zero means the
	// full position quantity.
	Need int64

	// Kinds lists the order kinds that may be cancelled. Empty means stops,
	// trailing stops and targets.
	Kinds []domain.OrderKind

	// CancelAll cancels every resting order of the listed kinds instead of
	// the minimal blocking set.
	CancelAll bool
}

// ReleaseResult reports what the resolver cancelled.
type ReleaseResult struct {
	// Cancelled holds the orders a cancel was requested for.
	Cancelled []domain.ProtectiveOrder

	// ConfirmedAt holds the time each cancellation was observed as final,
	// keyed by order ID.
	ConfirmedAt map[string]time.Time

	// Available is the broker-reported free quantity after release.
	Available int64
}

// CancelledIDs returns the IDs of the cancelled orders.
func (r ReleaseResult) CancelledIDs() []string {
	ids := make([]string, 0, len(r.Cancelled))
	for _, o := range r.Cancelled {
		ids = append(ids, o.OrderID)
	}
	return ids
}

// reservation is one block of shares held by resting exit orders: a lone
// order, or an OCO pair whose legs share a single reservation.
type reservation struct {
	group   string
	orders  []domain.ProtectiveOrder
	qty     int64
	pending bool
}

// reservations groups the share-reserving exit orders by OCO pair, in
// broker order.
func reservations(orders []domain.Order, side domain.PositionSide) []*reservation {
	var out []*reservation
	byGroup := make(map[string]*reservation)
	for _, o := range orders {
		po := domain.Classify(o, side)
		if po.Kind == domain.OrderKindEntry || !po.Status.ReservesShares() {
			continue
		}
		r, ok := byGroup[po.GroupID]
		if !ok {
			r = &reservation{group: po.GroupID}
			byGroup[po.GroupID] = r
			out = append(out, r)
		}
		r.orders = append(r.orders, po)
		r.qty = max(r.qty, po.Qty)
		if po.Status == domain.OrderStatusPendingCancel {
			r.pending = true
		}
	}
	return out
}

// within reports whether every order of r is of one of kinds.
func (r *reservation) within(kinds []domain.OrderKind) bool {
	for _, po := range r.orders {
		if !containsKind(kinds, po.Kind) {
			return false
		}
	}
	return true
}

func (r *reservation) priority() int {
	p := releasePriority(r.orders[0])
	for _, po := range r.orders[1:] {
		p = min(p, releasePriority(po))
	}
	return p
}

// Resolver frees shares reserved by resting exit orders. It is the only
// component that cancels protective orders, and it never reports success
// before the broker has confirmed each cancellation and released the
// shares.
type Resolver struct {
	*env
}

var defaultReleaseKinds = []domain.OrderKind{
	domain.OrderKindStop,
	domain.OrderKindTrailingStop,
	domain.OrderKindTarget,
}

// Release cancels the resting exit orders that block req.Need shares and
// waits until the broker reports them cancelled and the shares available.
// The caller must hold the symbol lock.
func (r *Resolver) Release(ctx context.Context, pos domain.Position, req ReleaseRequest) (ReleaseResult, error) {
	res := ReleaseResult{ConfirmedAt: make(map[string]time.Time)}

	orders, err := r.openOrders(ctx, pos.Symbol)
	if err != nil {
		return res, brokerError("release", pos.Symbol, err)
	}
	bp, err := r.getPosition(ctx, pos.Symbol)
	if err != nil {
		return res, brokerError("release", pos.Symbol, err)
	}

	need := req.Need
	if need <= 0 || need > bp.Qty {
		need = bp.Qty
	}

	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = defaultReleaseKinds
	}

	var reserved int64
	var candidates, pending []*reservation
	for _, rv := range reservations(orders, bp.Side) {
		reserved += rv.qty
		switch {
		case rv.pending:
			pending = append(pending, rv)
		case rv.within(kinds):
			candidates = append(candidates, rv)
		}
	}

	var toCancel []*reservation
	if req.CancelAll {
		toCancel = candidates
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].priority() < candidates[j].priority()
		})
		// Orders already cancelling will free their shares without help.
		for _, rv := range pending {
			reserved -= rv.qty
		}
		for _, rv := range candidates {
			if bp.Qty-reserved >= need {
				break
			}
			toCancel = append(toCancel, rv)
			reserved -= rv.qty
		}
	}

	// Cancelling an OCO parent takes its stop leg with it.
	for _, rv := range toCancel {
		if err := r.cancel(ctx, rv.group); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			// A rejected cancel usually means the order just filled;
			// the confirmation poll below finds out.
			r.log.Warn("cancel request failed", "symbol", pos.Symbol, "order_id", rv.group, "error", err)
		}
		res.Cancelled = append(res.Cancelled, rv.orders...)
	}
	// Cancelled lists what was requested even if confirmation fails below,
	// so callers know the bracket may be gone. The ledger stops pointing at
	// those orders until replacements are placed.
	if ids := res.CancelledIDs(); len(ids) > 0 {
		r.ledger.Update(pos.Symbol, func(p *domain.Position) {
			if slices.Contains(ids, p.StopOrderID) {
				p.StopOrderID = ""
			}
			if slices.Contains(ids, p.TargetOrderID) {
				p.TargetOrderID = ""
			}
		})
	}

	for _, rv := range append(toCancel, pending...) {
		for _, po := range rv.orders {
			at, err := r.awaitCancel(ctx, pos.Symbol, po.OrderID)
			if err != nil {
				return res, err
			}
			res.ConfirmedAt[po.OrderID] = at
		}
	}

	if len(toCancel) > 0 {
		r.log.Info("released orders", "symbol", pos.Symbol, "cancelled", len(toCancel), "need", need)
	}

	avail, err := r.awaitAvailable(ctx, pos.Symbol, need)
	res.Available = avail
	return res, err
}

// awaitCancel polls until the order is final and not filled.
func (r *Resolver) awaitCancel(ctx context.Context, symbol, orderID string) (time.Time, error) {
	var confirmedAt time.Time
	var filled bool
	err := util.Poll(ctx, r.cfg.PollInterval, r.cfg.CancelTimeout, func(ctx context.Context) (bool, error) {
		o, err := r.getOrder(ctx, orderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			confirmedAt = r.now()
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		switch o.Status {
		case domain.OrderStatusCancelled, domain.OrderStatusRejected:
			confirmedAt = r.now()
			return true, nil
		case domain.OrderStatusFilled:
			filled = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return time.Time{}, opError("release", symbol, ErrInsufficientShares,
			fmt.Errorf("cancel of %s not confirmed: %w", orderID, err))
	}
	if filled {
		return time.Time{}, opError("release", symbol, ErrInsufficientShares,
			fmt.Errorf("order %s filled while cancelling", orderID))
	}
	return confirmedAt, nil
}

// awaitAvailable polls the broker position until need shares are free.
func (r *Resolver) awaitAvailable(ctx context.Context, symbol string, need int64) (int64, error) {
	var avail int64
	var gone bool
	err := util.Poll(ctx, r.cfg.PollInterval, r.cfg.CancelTimeout, func(ctx context.Context) (bool, error) {
		bp, err := r.getPosition(ctx, symbol)
		if errors.Is(err, broker.ErrPositionNotFound) {
			gone = true
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		avail = bp.QtyAvailable
		return avail >= need, nil
	})
	if gone {
		return 0, opError("release", symbol, ErrInsufficientShares, broker.ErrPositionNotFound)
	}
	if err != nil {
		return avail, opError("release", symbol, ErrInsufficientShares,
			fmt.Errorf("need %d, available %d: %w", need, avail, err))
	}
	return avail, nil
}

// releasePriority orders cancellation candidates: held stops first (they
// protect nothing), then stops, then targets.
func releasePriority(po domain.ProtectiveOrder) int {
	switch {
	case po.Kind.IsStop() && po.Status == domain.OrderStatusHeld:
		return 0
	case po.Kind.IsStop():
		return 1
	case po.Kind == domain.OrderKindTarget:
		return 2
	default:
		return 3
	}
}

func containsKind(kinds []domain.OrderKind, k domain.OrderKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
