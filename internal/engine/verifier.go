package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
	"bracketguard/internal/metrics"
)

// Verifier checks every open position for a live protective stop and
// repairs the ones without.
type Verifier struct {
	*env
	resolver    *Resolver
	builder     *Builder
	concurrency int
}

type verdict int

const (
	verdictSkipped verdict = iota
	verdictProtected
	verdictRepaired
	verdictFailed
)

type symbolOutcome struct {
	verdict      verdict
	priceMissing bool
	err          error
}

// inspection is the verifier's view of one symbol's resting orders.
type inspection struct {
	stop       *domain.ProtectiveOrder
	targetID   string
	reason     string
	priceKnown bool
}

// VerifyAll reconciles the ledger with the broker and then checks each open
// position in parallel, repairing unprotected ones synchronously. The
// returned error is non-nil only when the broker's position list could not
// be read.
func (v *Verifier) VerifyAll(ctx context.Context) (domain.ReconciliationResult, error) {
	res := domain.ReconciliationResult{StartedAt: v.now()}

	cctx, cancel := v.callCtx(ctx)
	positions, err := v.broker.ListPositions(cctx)
	cancel()
	if err != nil {
		res.FinishedAt = v.now()
		return res, brokerError("verify", "*", err)
	}

	prev := make(map[string]domain.Position)
	for _, p := range v.ledger.Snapshot() {
		prev[p.Symbol] = p
	}
	adopted, removed := v.ledger.Reconcile(positions, v.now(), v.locks.held)
	for _, sym := range adopted {
		v.log.Info("adopted broker position", "symbol", sym)
	}
	for _, sym := range removed {
		v.alerts.Forget(sym)
		metrics.ClearSymbol(sym)
		v.log.Info("position closed at broker", "symbol", sym)
		if p, ok := prev[sym]; ok {
			v.recordStopOut(ctx, p)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	if v.concurrency > 0 {
		g.SetLimit(v.concurrency)
	}
	for _, pos := range v.ledger.Snapshot() {
		if pos.Qty <= 0 {
			continue
		}
		symbol := pos.Symbol
		g.Go(func() error {
			out := v.verifySymbol(ctx, symbol)

			mu.Lock()
			defer mu.Unlock()
			switch out.verdict {
			case verdictProtected:
				res.Protected = append(res.Protected, symbol)
			case verdictRepaired:
				res.Repaired = append(res.Repaired, symbol)
			case verdictFailed:
				res.Failed = append(res.Failed, symbol)
			}
			if out.priceMissing {
				res.PriceUnchecked = append(res.PriceUnchecked, symbol)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Protected)
	sort.Strings(res.Repaired)
	sort.Strings(res.Failed)
	sort.Strings(res.PriceUnchecked)
	res.FinishedAt = v.now()
	metrics.IncVerifications()

	if len(res.Repaired) > 0 || len(res.Failed) > 0 {
		v.log.Info("verification pass",
			"protected", len(res.Protected), "repaired", res.Repaired,
			"failed", res.Failed, "price_unchecked", res.PriceUnchecked)
	} else {
		v.log.Debug("verification pass", "protected", len(res.Protected), "price_unchecked", res.PriceUnchecked)
	}
	return res, nil
}

// Verify checks and, if needed, repairs a single symbol.
func (v *Verifier) Verify(ctx context.Context, symbol string) (domain.ProtectionState, error) {
	out := v.verifySymbol(ctx, symbol)
	pos, _ := v.ledger.Get(symbol)
	return pos.ProtectionState, out.err
}

func (v *Verifier) verifySymbol(ctx context.Context, symbol string) symbolOutcome {
	unlock, err := v.locks.lock(ctx, symbol)
	if err != nil {
		return symbolOutcome{err: err}
	}
	defer unlock()

	pos, ok := v.ledger.Get(symbol)
	if !ok || pos.Qty <= 0 {
		return symbolOutcome{}
	}
	return v.protectLocked(ctx, pos)
}

// protectLocked verifies pos and repairs it if unprotected. The caller
// holds the symbol lock.
func (v *Verifier) protectLocked(ctx context.Context, pos domain.Position) symbolOutcome {
	ins, err := v.inspect(ctx, pos)
	if err != nil {
		v.log.Warn("verification skipped", "symbol", pos.Symbol, "error", err)
		return symbolOutcome{err: err}
	}
	out := symbolOutcome{priceMissing: !ins.priceKnown}
	if !ins.priceKnown {
		v.log.Warn("price unavailable, stop price check skipped", "symbol", pos.Symbol)
	}

	if ins.stop != nil {
		stop := *ins.stop
		now := v.now()
		v.ledger.Update(pos.Symbol, func(p *domain.Position) {
			p.ProtectionState = domain.ProtectionProtected
			p.StopOrderID = stop.OrderID
			p.TargetOrderID = ins.targetID
			if p.StopPrice == 0 {
				p.StopPrice = stop.Price
			}
			if p.InitialStop == 0 {
				p.InitialStop = stop.Price
			}
			p.RepairFailures = 0
			p.LastVerifiedAt = now
		})
		v.observe(pos.Symbol, domain.ProtectionProtected, "")
		out.verdict = verdictProtected
		return out
	}

	v.log.Warn("position unprotected", "symbol", pos.Symbol, "qty", pos.Qty, "reason", ins.reason)
	v.ledger.Update(pos.Symbol, func(p *domain.Position) {
		p.ProtectionState = domain.ProtectionRepairing
	})
	metrics.SetProtectionState(pos.Symbol, domain.ProtectionRepairing)

	var lastErr error
	var before []string
	for attempt := 0; attempt <= v.cfg.RepairRetries; attempt++ {
		cur, ok := v.ledger.Get(pos.Symbol)
		if !ok {
			return symbolOutcome{}
		}

		// The last attempt drops the target: a stop alone is still
		// protection.
		withTarget := attempt == 0 || attempt < v.cfg.RepairRetries
		cancelled, after, err := v.repair(ctx, cur, withTarget)
		before = append(before, cancelled...)
		if err == nil {
			v.ledger.Update(pos.Symbol, func(p *domain.Position) { p.RepairFailures = 0 })
			v.record(pos.Symbol, domain.ActionRepair, before, after, "repaired", ins.reason)
			v.observe(pos.Symbol, domain.ProtectionProtected, "")
			metrics.IncRepairs("repaired")
			out.verdict = verdictRepaired
			return out
		}
		if errors.Is(err, broker.ErrPositionNotFound) {
			v.log.Info("position closed during repair", "symbol", pos.Symbol)
			v.ledger.Remove(pos.Symbol)
			v.alerts.Forget(pos.Symbol)
			metrics.ClearSymbol(pos.Symbol)
			return symbolOutcome{}
		}

		lastErr = err
		v.log.Warn("repair attempt failed", "symbol", pos.Symbol, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	failure := opError("verify", pos.Symbol, ErrProtectionRepairFailed, lastErr)
	v.ledger.Update(pos.Symbol, func(p *domain.Position) {
		p.ProtectionState = domain.ProtectionDegraded
		p.RepairFailures++
	})
	v.record(pos.Symbol, domain.ActionRepair, before, nil, "failed", failure.Error())
	v.observe(pos.Symbol, domain.ProtectionDegraded, failure.Error())
	metrics.IncRepairs("failed")
	out.verdict = verdictFailed
	out.err = failure
	return out
}

// repair frees the position's shares and places a fresh stop, paired with
// the position's target when withTarget is set.
func (v *Verifier) repair(ctx context.Context, pos domain.Position, withTarget bool) (cancelled, placed []string, err error) {
	rel, err := v.resolver.Release(ctx, pos, ReleaseRequest{Need: pos.Qty})
	cancelled = rel.CancelledIDs()
	if err != nil {
		return cancelled, nil, err
	}

	cur, ok := v.ledger.Get(pos.Symbol)
	if !ok {
		cur = pos
	}
	if _, err := v.builder.place(ctx, cur, withTarget); err != nil {
		return cancelled, nil, err
	}
	return cancelled, v.exitIDs(pos.Symbol), nil
}

// inspect looks for an order that protects pos: an active exit-side stop
// covering the whole quantity whose price, when a price is known, is on
// the loss side of the market.
func (v *Verifier) inspect(ctx context.Context, pos domain.Position) (inspection, error) {
	var ins inspection

	orders, err := v.openOrders(ctx, pos.Symbol)
	if err != nil {
		return ins, brokerError("verify", pos.Symbol, err)
	}
	price, ok := v.latestPrice(ctx, pos.Symbol)
	ins.priceKnown = ok

	for _, o := range orders {
		po := domain.Classify(o, pos.Side)
		if po.Kind == domain.OrderKindTarget && po.Status.IsActive() && ins.targetID == "" {
			ins.targetID = po.OrderID
		}
		if !po.Kind.IsStop() || ins.stop != nil {
			continue
		}
		switch {
		case !po.Status.IsActive():
			ins.reason = fmt.Sprintf("stop %s is %s", po.OrderID, po.Status)
		case po.Qty < pos.Qty:
			ins.reason = fmt.Sprintf("stop %s covers %d of %d", po.OrderID, po.Qty, pos.Qty)
		case ok && po.Price > 0 && !lossSide(pos.Side, po.Price, price):
			ins.reason = fmt.Sprintf("stop %s at %.4f is through market %.4f", po.OrderID, po.Price, price)
		default:
			ins.stop = &po
		}
	}
	if ins.stop == nil && ins.reason == "" {
		ins.reason = "no stop order"
	}
	return ins, nil
}

func (v *Verifier) observe(symbol string, state domain.ProtectionState, reason string) {
	metrics.SetProtectionState(symbol, state)
	v.alerts.Observe(symbol, state, reason)
}

// recordStopOut feeds the realised loss of a position closed by its own stop
// into the daily loss limit.
func (v *Verifier) recordStopOut(ctx context.Context, p domain.Position) {
	if v.risk == nil || p.StopOrderID == "" {
		return
	}
	cctx, cancel := v.callCtx(ctx)
	o, err := v.broker.GetOrder(cctx, p.StopOrderID)
	cancel()
	if err != nil || o.Status != domain.OrderStatusFilled || o.FilledQty == 0 {
		return
	}
	pnl := p.Side.Sign() * (o.FilledAvgPrice - p.EntryPrice) * float64(o.FilledQty)
	v.log.Info("stopped out", "symbol", p.Symbol, "fill", o.FilledAvgPrice, "qty", o.FilledQty, "pnl", pnl)
	v.risk.RecordLoss(-pnl)
}
