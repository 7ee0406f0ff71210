package engine

import (
	"context"
	"fmt"
	"math"

	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/metrics"
	"bracketguard/internal/util"
)

// EntryOutcome is the terminal state of an entry attempt.
type EntryOutcome string

const (
	EntryFilled   EntryOutcome = "filled"
	EntryTimedOut EntryOutcome = "timed_out"
	EntryCanceled EntryOutcome = "canceled"
	EntryRejected EntryOutcome = "rejected"
)

// Rejection reasons reported in EntryResult.Reason.
const (
	ReasonExcessiveSlippage = "excessive_slippage"
	ReasonPoorRewardRisk    = "poor_reward_risk"
	ReasonRiskLimit         = "risk_limit"
	ReasonPositionExists    = "position_exists"
	ReasonBrokerRejected    = "broker_rejected"
)

// EntryResult describes what an entry attempt did.
type EntryResult struct {
	Symbol      string       `json:"symbol"`
	Outcome     EntryOutcome `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
	OrderID     string       `json:"order_id,omitempty"`
	LimitPrice  float64      `json:"limit_price,omitempty"`
	FillPrice   float64      `json:"fill_price,omitempty"`
	FilledQty   int64        `json:"filled_qty,omitempty"`
	Slippage    float64      `json:"slippage,omitempty"`
	StopPrice   float64      `json:"stop_price,omitempty"`
	TargetPrice float64      `json:"target_price,omitempty"`
	RewardRisk  float64      `json:"reward_risk,omitempty"`
}

// EntryExecutor opens positions with price-bounded limit orders and only
// keeps them if the actual fill still satisfies the risk model.
type EntryExecutor struct {
	*env
	builder *Builder
	risk    *RiskManager
	cfg     config.EntryConfig
}

// Execute runs one entry intent to completion: submit a limit order, await
// the fill, validate slippage and reward:risk against the fill price, then
// register and protect the position. Fills that fail validation are
// unwound immediately.
func (x *EntryExecutor) Execute(ctx context.Context, intent domain.EntryIntent) (EntryResult, error) {
	res := EntryResult{Symbol: intent.Symbol}
	if intent.Symbol == "" || intent.Qty <= 0 || intent.SignalPrice <= 0 {
		return x.reject(res, "invalid_intent"), opError("entry", intent.Symbol, ErrOrderRejected,
			fmt.Errorf("invalid intent qty=%d signal=%.4f", intent.Qty, intent.SignalPrice))
	}
	if intent.Side == "" {
		intent.Side = domain.PositionSideLong
	}

	unlock, err := x.locks.lock(ctx, intent.Symbol)
	if err != nil {
		return res, err
	}
	defer unlock()

	if _, exists := x.ledger.Get(intent.Symbol); exists {
		return x.reject(res, ReasonPositionExists), nil
	}

	sign := intent.Side.Sign()
	limit := util.RoundPrice(intent.SignalPrice * (1 + sign*x.cfg.LimitBufferPct))
	res.LimitPrice = limit

	if x.risk != nil {
		cctx, cancel := x.callCtx(ctx)
		acct, err := x.broker.GetAccount(cctx)
		cancel()
		if err != nil {
			return x.reject(res, ReasonRiskLimit), brokerError("entry", intent.Symbol, err)
		}
		candidate := &domain.Order{Symbol: intent.Symbol, Side: intent.Side.EntrySide(), Qty: intent.Qty, LimitPrice: limit}
		if err := x.risk.CheckOrder(ctx, candidate, acct); err != nil {
			x.log.Info("entry blocked by risk check", "symbol", intent.Symbol, "error", err)
			return x.reject(res, ReasonRiskLimit), nil
		}
	}

	o, err := x.submit(ctx, domain.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side.EntrySide(),
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           intent.Qty,
		LimitPrice:    limit,
		ClientOrderID: clientOrderID(domain.OrderKindEntry),
	})
	if err != nil {
		return x.reject(res, ReasonBrokerRejected), brokerError("entry", intent.Symbol, err)
	}
	res.OrderID = o.ID
	x.log.Info("entry submitted", "symbol", intent.Symbol, "order_id", o.ID, "qty", intent.Qty, "limit", limit, "strategy", intent.Strategy)

	o, timedOut, err := awaitFill(ctx, x.env, o, x.cfg.FillPollInterval, x.cfg.FillTimeout)
	if err != nil {
		// The order may still fill; the verifier adopts it if it does.
		res.Outcome = EntryTimedOut
		metrics.IncEntries(string(res.Outcome))
		return res, err
	}

	if o.FilledQty == 0 {
		switch {
		case o.Status == domain.OrderStatusRejected:
			return x.reject(res, ReasonBrokerRejected), nil
		case timedOut:
			res.Outcome = EntryTimedOut
		default:
			res.Outcome = EntryCanceled
		}
		x.record(intent.Symbol, domain.ActionEntry, []string{o.ID}, nil, string(res.Outcome), "")
		metrics.IncEntries(string(res.Outcome))
		return res, nil
	}

	fill := o.FilledAvgPrice
	res.FillPrice = fill
	res.FilledQty = o.FilledQty
	res.Slippage = math.Abs(fill-intent.SignalPrice) / intent.SignalPrice

	if res.Slippage > x.cfg.MaxSlippagePct {
		x.log.Warn("entry slippage too high, unwinding", "symbol", intent.Symbol,
			"signal", intent.SignalPrice, "fill", fill, "slippage", res.Slippage)
		err := x.unwind(ctx, intent, fill, o.FilledQty, ReasonExcessiveSlippage)
		return x.reject(res, ReasonExcessiveSlippage), err
	}

	res.StopPrice, res.TargetPrice = x.bracketFromFill(intent, fill)
	risk := sign * (fill - res.StopPrice)
	reward := sign * (res.TargetPrice - fill)
	if risk > 0 {
		res.RewardRisk = reward / risk
	}
	if risk <= 0 || res.RewardRisk < x.cfg.MinRewardRisk {
		x.log.Warn("entry reward:risk too low, unwinding", "symbol", intent.Symbol,
			"fill", fill, "stop", res.StopPrice, "target", res.TargetPrice, "rr", res.RewardRisk)
		err := x.unwind(ctx, intent, fill, o.FilledQty, ReasonPoorRewardRisk)
		return x.reject(res, ReasonPoorRewardRisk), err
	}

	pos := domain.Position{
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Qty:             o.FilledQty,
		EntryPrice:      fill,
		StopPrice:       res.StopPrice,
		TargetPrice:     res.TargetPrice,
		InitialStop:     res.StopPrice,
		ProtectionState: domain.ProtectionUnprotected,
		OpenedAt:        x.now(),
	}
	x.ledger.Upsert(pos)

	after := []string{o.ID}
	if stop, err := x.builder.EnsureStop(ctx, pos); err != nil {
		// Left unprotected in the ledger; the next verifier pass repairs it.
		x.log.Error("stop placement after entry failed", "symbol", intent.Symbol, "error", err)
	} else {
		after = append(after, x.exitIDs(intent.Symbol)...)
		res.StopPrice = stop.Price
	}

	res.Outcome = EntryFilled
	x.record(intent.Symbol, domain.ActionEntry, nil, after, string(res.Outcome),
		fmt.Sprintf("fill=%.4f slippage=%.5f stop=%.4f target=%.4f", fill, res.Slippage, res.StopPrice, res.TargetPrice))
	metrics.IncEntries(string(res.Outcome))
	x.log.Info("entry filled", "symbol", intent.Symbol, "qty", o.FilledQty, "fill", fill,
		"stop", res.StopPrice, "target", res.TargetPrice, "rr", res.RewardRisk)
	return res, nil
}

// bracketFromFill derives stop and target from the actual fill. The stop
// keeps the intent's percentage distance, never tighter than the floor. The
// target stays at the strategy's absolute level, or DefaultRewardRisk times
// the risk when the intent has none.
func (x *EntryExecutor) bracketFromFill(intent domain.EntryIntent, fill float64) (stop, target float64) {
	sign := intent.Side.Sign()

	dist := x.env.cfg.MinStopDistancePct
	if intent.StopPrice > 0 {
		if d := sign * (intent.SignalPrice - intent.StopPrice) / intent.SignalPrice; d > dist {
			dist = d
		}
	}
	stop = fill * (1 - sign*dist)
	if intent.Side == domain.PositionSideShort {
		stop = util.RoundPriceUp(stop)
	} else {
		stop = util.RoundPriceDown(stop)
	}

	target = intent.TargetPrice
	if target <= 0 {
		target = util.RoundPrice(fill + sign*x.cfg.DefaultRewardRisk*math.Abs(fill-stop))
	}
	return stop, target
}

// unwind closes a just-filled entry with a market order. If that fails the
// position is registered so the verifier protects it.
func (x *EntryExecutor) unwind(ctx context.Context, intent domain.EntryIntent, fill float64, qty int64, reason string) error {
	o, err := x.submit(ctx, domain.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side.ExitSide(),
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           qty,
		ClientOrderID: clientOrderID(domain.OrderKindExit),
	})
	if err == nil {
		o, _, err = awaitFill(ctx, x.env, o, x.cfg.FillPollInterval, x.cfg.FillTimeout)
	}
	if err == nil && o.FilledQty >= qty {
		if x.risk != nil {
			x.risk.RecordLoss(intent.Side.Sign() * (fill - o.FilledAvgPrice) * float64(qty))
		}
		x.record(intent.Symbol, domain.ActionUnwind, nil, []string{o.ID}, "unwound", reason)
		return nil
	}
	if err == nil {
		err = fmt.Errorf("unwind filled %d of %d", o.FilledQty, qty)
	}

	x.log.Error("unwind failed, position left for protection", "symbol", intent.Symbol, "qty", qty, "error", err)
	x.ledger.Upsert(domain.Position{
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Qty:             qty,
		EntryPrice:      fill,
		ProtectionState: domain.ProtectionUnprotected,
		OpenedAt:        x.now(),
	})
	x.record(intent.Symbol, domain.ActionUnwind, nil, nil, "failed", err.Error())
	return brokerError("unwind", intent.Symbol, err)
}

func (x *EntryExecutor) reject(res EntryResult, reason string) EntryResult {
	res.Outcome = EntryRejected
	res.Reason = reason
	metrics.IncEntries(string(res.Outcome))
	if reason != ReasonPositionExists && reason != "invalid_intent" {
		x.record(res.Symbol, domain.ActionEntry, nil, nil, string(res.Outcome), reason)
	}
	return res
}
