package engine

import (
	"context"
	"fmt"

	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/indicators"
	"bracketguard/internal/metrics"
	"bracketguard/internal/util"
)

// AdjustOutcome is the result of one bracket adjustment check.
type AdjustOutcome string

const (
	AdjustSkipped   AdjustOutcome = "skipped"
	AdjustExtended  AdjustOutcome = "adjusted"
	AdjustAbandoned AdjustOutcome = "extension_abandoned"
	AdjustDegraded  AdjustOutcome = "degraded"
)

// AdjustResult describes one adjustment check.
type AdjustResult struct {
	Symbol    string        `json:"symbol"`
	Outcome   AdjustOutcome `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	RMultiple float64       `json:"r_multiple,omitempty"`
	OldStop   float64       `json:"old_stop,omitempty"`
	NewStop   float64       `json:"new_stop,omitempty"`
	OldTarget float64       `json:"old_target,omitempty"`
	NewTarget float64       `json:"new_target,omitempty"`
}

// BracketAdjuster extends the target and ratchets the stop to breakeven
// once a favourable position shows confirmed momentum. Each position is
// adjusted at most once.
type BracketAdjuster struct {
	*env
	resolver *Resolver
	builder  *Builder
	momentum indicators.MomentumSource
	cfg      config.BracketConfig
}

// AdjustAll checks every ledger position. Symbols busy with another
// mutation are skipped until the next pass.
func (a *BracketAdjuster) AdjustAll(ctx context.Context) []AdjustResult {
	var out []AdjustResult
	for _, pos := range a.ledger.Snapshot() {
		if pos.BracketAdjusted || pos.Qty <= 0 {
			continue
		}
		unlock, ok := a.locks.tryLock(pos.Symbol)
		if !ok {
			continue
		}
		res, err := a.adjustLocked(ctx, pos.Symbol)
		unlock()
		if err != nil {
			a.log.Warn("bracket adjustment failed", "symbol", pos.Symbol, "outcome", res.Outcome, "error", err)
		}
		if res.Outcome != AdjustSkipped {
			out = append(out, res)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// Adjust checks a single symbol and extends its bracket if warranted.
func (a *BracketAdjuster) Adjust(ctx context.Context, symbol string) (AdjustResult, error) {
	unlock, err := a.locks.lock(ctx, symbol)
	if err != nil {
		return AdjustResult{Symbol: symbol, Outcome: AdjustSkipped}, err
	}
	defer unlock()
	return a.adjustLocked(ctx, symbol)
}

func (a *BracketAdjuster) adjustLocked(ctx context.Context, symbol string) (AdjustResult, error) {
	res := AdjustResult{Symbol: symbol, Outcome: AdjustSkipped}

	pos, ok := a.ledger.Get(symbol)
	switch {
	case !ok || pos.Qty <= 0:
		res.Reason = "no_position"
		return res, nil
	case pos.BracketAdjusted:
		res.Reason = "already_adjusted"
		return res, nil
	case pos.ProtectionState != domain.ProtectionProtected:
		res.Reason = "not_protected"
		return res, nil
	}

	risk := pos.RiskPerShare()
	if risk <= 0 {
		res.Reason = "unknown_risk"
		return res, nil
	}
	price, ok := a.latestPrice(ctx, symbol)
	if !ok {
		res.Reason = "no_price"
		return res, nil
	}
	res.RMultiple = pos.RMultiple(price)
	if res.RMultiple < a.cfg.TriggerR {
		res.Reason = "below_trigger"
		return res, nil
	}

	if a.momentum == nil {
		res.Reason = "no_momentum"
		return res, nil
	}
	reading, err := a.momentum.Momentum(ctx, symbol)
	if err != nil {
		res.Reason = "no_momentum"
		return res, opError("adjust", symbol, ErrStaleMarketData, err)
	}
	if age := a.now().Sub(reading.AsOf); reading.AsOf.IsZero() || age > a.cfg.MaxDataAge {
		res.Reason = "stale_momentum"
		return res, opError("adjust", symbol, ErrStaleMarketData,
			fmt.Errorf("momentum as of %s is %s old", reading.AsOf.Format("15:04:05"), age))
	}
	if reason := a.weakSignal(pos.Side, reading); reason != "" {
		res.Reason = reason
		return res, nil
	}

	sign := pos.Side.Sign()
	res.OldStop, res.OldTarget = pos.StopPrice, pos.TargetPrice
	res.NewStop = pos.EntryPrice * (1 + sign*a.cfg.BreakevenBufferPct)
	base := pos.TargetPrice
	if base <= 0 {
		base = price
	}
	res.NewTarget = util.RoundPrice(base + sign*a.cfg.TargetExtensionR*risk)

	rel, err := a.resolver.Release(ctx, pos, ReleaseRequest{
		Kinds:     defaultReleaseKinds,
		CancelAll: true,
	})
	if err != nil {
		if len(rel.Cancelled) == 0 {
			res.Reason = "release_failed"
			return res, err
		}
		// Some of the bracket may already be gone; hand it to the verifier.
		a.degrade(symbol, err)
		res.Outcome = AdjustDegraded
		metrics.IncAdjustments(string(res.Outcome))
		a.record(symbol, domain.ActionAdjust, rel.CancelledIDs(), nil, string(res.Outcome), err.Error())
		return res, err
	}

	// Point of no return: the decision is recorded before the new stop
	// is placed so a crash cannot cause a second adjustment.
	now := a.now()
	a.ledger.Update(symbol, func(p *domain.Position) {
		p.BracketAdjusted = true
		p.StopPrice = res.NewStop
		p.TargetPrice = res.NewTarget
		p.StopOrderID = ""
		p.TargetOrderID = ""
		p.ProtectionState = domain.ProtectionRepairing
	})
	a.journal.RecordAdjustment(domain.MomentumAdjustmentRecord{
		Symbol:     symbol,
		OpenedAt:   pos.OpenedAt,
		OldStop:    res.OldStop,
		NewStop:    res.NewStop,
		OldTarget:  res.OldTarget,
		NewTarget:  res.NewTarget,
		AdjustedAt: now,
	})

	cur, _ := a.ledger.Get(symbol)
	stop, err := a.builder.EnsureStop(ctx, cur)
	if err != nil {
		return a.abandon(ctx, symbol, res, rel, err)
	}
	res.NewStop = stop.Price
	after := a.exitIDs(symbol)

	res.Outcome = AdjustExtended
	metrics.IncAdjustments(string(res.Outcome))
	metrics.SetProtectionState(symbol, domain.ProtectionProtected)
	a.record(symbol, domain.ActionAdjust, rel.CancelledIDs(), after, string(res.Outcome),
		fmt.Sprintf("r=%.2f trend=%.2f volume=%.2f adx=%.1f", res.RMultiple,
			reading.TrendStrength, reading.VolumeRatio, reading.DirectionalStrength))
	a.log.Info("bracket extended", "symbol", symbol, "r", res.RMultiple,
		"old_stop", res.OldStop, "new_stop", res.NewStop,
		"old_target", res.OldTarget, "new_target", res.NewTarget)
	return res, nil
}

// abandon puts the original stop back after the breakeven stop could not
// be placed. The adjustment flag stays set.
func (a *BracketAdjuster) abandon(ctx context.Context, symbol string, res AdjustResult, rel ReleaseResult, cause error) (AdjustResult, error) {
	a.log.Warn("breakeven stop failed, restoring original", "symbol", symbol, "error", cause)

	cur, ok := a.ledger.Update(symbol, func(p *domain.Position) {
		p.StopPrice = res.OldStop
		p.TargetPrice = res.OldTarget
	})
	if ok {
		stop, err := a.builder.EnsureStop(ctx, cur)
		if err == nil {
			after := a.exitIDs(symbol)
			res.Outcome = AdjustAbandoned
			res.NewStop, res.NewTarget = stop.Price, res.OldTarget
			metrics.IncAdjustments(string(res.Outcome))
			metrics.SetProtectionState(symbol, domain.ProtectionProtected)
			a.record(symbol, domain.ActionAdjust, rel.CancelledIDs(), after, string(res.Outcome), cause.Error())
			return res, nil
		}
		cause = fmt.Errorf("%w; restore: %w", cause, err)
	}

	failure := opError("adjust", symbol, ErrProtectionRepairFailed, cause)
	a.degrade(symbol, failure)
	res.Outcome = AdjustDegraded
	metrics.IncAdjustments(string(res.Outcome))
	a.record(symbol, domain.ActionAdjust, rel.CancelledIDs(), nil, string(res.Outcome), failure.Error())
	return res, failure
}

// weakSignal returns why reading does not confirm momentum in the
// position's favour, or "" if every sub-signal clears its threshold.
func (a *BracketAdjuster) weakSignal(side domain.PositionSide, r indicators.Reading) string {
	switch {
	case side.Sign()*r.TrendStrength < a.cfg.MinTrendStrength:
		return "weak_trend"
	case r.VolumeRatio < a.cfg.MinVolumeRatio:
		return "low_volume"
	case r.DirectionalStrength < a.cfg.MinDirectionalStrength:
		return "weak_direction"
	}
	return ""
}

func (a *BracketAdjuster) degrade(symbol string, err error) {
	a.ledger.Update(symbol, func(p *domain.Position) {
		p.ProtectionState = domain.ProtectionDegraded
		p.RepairFailures++
	})
	metrics.SetProtectionState(symbol, domain.ProtectionDegraded)
	a.alerts.Observe(symbol, domain.ProtectionDegraded, err.Error())
}
