package engine

import (
	"context"
	"testing"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
)

// bracketed sets up a 100-share long at 100 trading at 110 with the given
// resting stop and target sizes, and returns their order IDs. A zero
// target size places no target.
func bracketed(t *testing.T, f *fixture, stopQty, targetQty int64) (stopID, targetID string) {
	t.Helper()
	f.sim.SetPosition("AAPL", domain.PositionSideLong, 100, 100)
	f.sim.SetPrice("AAPL", 110)
	stopID = f.sim.PlaceOrder(domain.Order{
		Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeStop,
		Qty: stopQty, StopPrice: 95,
	})
	if targetQty > 0 {
		targetID = f.sim.PlaceOrder(domain.Order{
			Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
			Qty: targetQty, LimitPrice: 120,
		})
	}
	f.engine.Restore([]domain.Position{{
		Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 100, EntryPrice: 100,
		StopPrice: 95, InitialStop: 95, TargetPrice: 120,
		StopOrderID: stopID, TargetOrderID: targetID,
		ProtectionState: domain.ProtectionProtected,
	}})
	return stopID, targetID
}

func (f *fixture) marketSubmitSeq() int {
	for _, c := range f.sim.Calls() {
		if c.Op == broker.SimOpSubmit && c.Type == domain.OrderTypeMarket && !c.Rejected {
			return c.Seq
		}
	}
	return 0
}

func TestPartialExitCancelsOnlyBlockingStop(t *testing.T) {
	f := newFixture(t, nil)
	stopID, targetID := bracketed(t, f, 50, 50)
	ctx := context.Background()

	res, err := f.engine.PartialExit(ctx, "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if res.Outcome != PartialExecuted || res.SoldQty != 50 || res.RemainingQty != 50 {
		t.Fatalf("result = %+v, want executed 50/50", res)
	}

	sell := f.marketSubmitSeq()
	if sell == 0 {
		t.Fatal("no market sell")
	}
	if seq := f.seqOf(broker.SimOpCanceled, stopID); seq == 0 || seq > sell {
		t.Errorf("stop cancel confirmed at seq %d, want before sell at %d", seq, sell)
	}
	if seq := f.seqOf(broker.SimOpCancel, targetID); seq != 0 && seq < sell {
		t.Errorf("target cancelled at seq %d before sell at %d; only the stop blocked", seq, sell)
	}

	pos, _ := f.engine.Position("AAPL")
	if pos.Qty != 50 || !pos.PartialExitTaken {
		t.Errorf("ledger = qty %d taken %v, want 50 true", pos.Qty, pos.PartialExitTaken)
	}
	if res.Protection != string(domain.ProtectionProtected) {
		t.Errorf("Protection = %s, want protected", res.Protection)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 50)
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 120)

	// The verifier agrees the remainder is protected.
	vr, err := f.engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(vr.Protected) != 1 || len(vr.Repaired) != 0 {
		t.Errorf("VerifyAll Protected=%v Repaired=%v, want [AAPL] and none", vr.Protected, vr.Repaired)
	}
	if len(f.journal.eventsFor(domain.ActionPartialExit)) != 1 {
		t.Error("partial exit not recorded")
	}
}

func TestPartialExitCancelsStopAndTargetWhenBothBlock(t *testing.T) {
	f := newFixture(t, nil)
	stopID, targetID := bracketed(t, f, 30, 70)

	res, err := f.engine.PartialExit(context.Background(), "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if res.Outcome != PartialExecuted || res.SoldQty != 50 {
		t.Fatalf("result = %+v, want executed 50", res)
	}

	sell := f.marketSubmitSeq()
	for _, id := range []string{stopID, targetID} {
		if seq := f.seqOf(broker.SimOpCanceled, id); seq == 0 || seq > sell {
			t.Errorf("order %s cancel confirmed at seq %d, want before sell at %d", id, seq, sell)
		}
	}

	// Stop and target go back for the remainder as one pair.
	var stops, targets int
	for _, c := range f.sim.Calls() {
		if c.Op != broker.SimOpSubmit || c.Seq < sell || c.Rejected || c.Qty != 50 {
			continue
		}
		switch c.Type {
		case domain.OrderTypeStop:
			stops++
		case domain.OrderTypeLimit:
			targets++
		}
	}
	if stops != 1 || targets != 1 {
		t.Errorf("submits after sell = %d stops, %d targets, want 1 and 1", stops, targets)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 50)
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 120)

	pos, _ := f.engine.Position("AAPL")
	if pos.TargetPrice != 120 {
		t.Errorf("TargetPrice = %v, want 120 kept", pos.TargetPrice)
	}
	if pos.TargetOrderID == targetID {
		t.Errorf("TargetOrderID = %q, still the cancelled target", pos.TargetOrderID)
	}
}

func TestPartialExitReleasesOCOPair(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 104)
	f.engine.env.ledger.Update("AAPL", func(p *domain.Position) { p.TargetPrice = 110 })
	ctx := context.Background()

	// Re-placing the bracket pairs the stop with the target.
	pos, _ := f.engine.Position("AAPL")
	if err := f.sim.CancelOrder(ctx, pos.StopOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, err := f.engine.VerifyAll(ctx); err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 110)
	before, _ := f.engine.Position("AAPL")

	res, err := f.engine.PartialExit(ctx, "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if res.Outcome != PartialExecuted || res.RemainingQty != 50 {
		t.Fatalf("result = %+v, want executed with 50 remaining", res)
	}
	sell := f.marketSubmitSeq()
	for _, id := range []string{before.StopOrderID, before.TargetOrderID} {
		if seq := f.seqOf(broker.SimOpCanceled, id); seq == 0 || seq > sell {
			t.Errorf("order %s cancel confirmed at seq %d, want before sell at %d", id, seq, sell)
		}
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 50)
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 110)
}

// verifyOnSell runs a verifier pass from inside the partial exit's market
// sell, the way a scheduler tick lands between the sale and re-protection.
// The pass cannot take the symbol lock, so it gives up on the per-symbol
// step once vctx expires; the ledger reconciliation has run by then.
type verifyOnSell struct {
	broker.Broker
	engine *Engine
	ran    bool
}

func (v *verifyOnSell) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	o, err := v.Broker.SubmitOrder(ctx, req)
	if err == nil && req.Type == domain.OrderTypeMarket && !v.ran {
		v.ran = true
		vctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		v.engine.VerifyAll(vctx)
		cancel()
	}
	return o, err
}

func TestPartialExitSurvivesVerifyDuringSell(t *testing.T) {
	f := newFixture(t, nil)
	bracketed(t, f, 50, 50)
	hook := &verifyOnSell{Broker: f.sim, engine: f.engine}
	f.engine.env.broker = hook

	res, err := f.engine.PartialExit(context.Background(), "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if !hook.ran {
		t.Fatal("verifier pass did not run during the sell")
	}
	if res.Outcome != PartialExecuted || res.SoldQty != 50 || res.RemainingQty != 50 {
		t.Errorf("result = %+v, want executed 50 sold 50 remaining", res)
	}
	if res.Protection != string(domain.ProtectionProtected) {
		t.Errorf("Protection = %s, want protected", res.Protection)
	}

	pos, _ := f.engine.Position("AAPL")
	if pos.Qty != 50 {
		t.Errorf("ledger qty = %d, want 50", pos.Qty)
	}
	if pos.ProtectionState != domain.ProtectionProtected {
		t.Errorf("ProtectionState = %s, want protected", pos.ProtectionState)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 50)
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 120)
}

func TestPartialExitRejectsBadFraction(t *testing.T) {
	f := newFixture(t, nil)
	bracketed(t, f, 100, 0)

	for _, fr := range []float64{-0.5, 1, 1.5} {
		if _, err := f.engine.PartialExit(context.Background(), "AAPL", fr); err == nil {
			t.Errorf("PartialExit(%v) error = nil, want rejection", fr)
		}
	}
	if n := len(f.sim.Calls()); n != 0 {
		t.Errorf("broker calls = %d, want 0", n)
	}
}

func TestPartialExitTooSmall(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.SetPosition("AAPL", domain.PositionSideLong, 1, 100)
	f.engine.Restore([]domain.Position{{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 1, EntryPrice: 100}})

	res, err := f.engine.PartialExit(context.Background(), "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if res.Reason != "position_too_small" {
		t.Errorf("Reason = %q, want position_too_small", res.Reason)
	}
}

func TestPartialExitMilestoneOnce(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 102)
	ctx := context.Background()

	got := f.engine.partials.CheckAll(ctx)
	if len(got) != 1 || got[0].Outcome != PartialExecuted || got[0].SoldQty != 50 {
		t.Fatalf("CheckAll = %+v, want one executed exit of 50", got)
	}
	if got := f.engine.partials.CheckAll(ctx); len(got) != 0 {
		t.Errorf("second CheckAll = %+v, want none", got)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 50)
}

func TestPartialExitSellTimeoutReprotects(t *testing.T) {
	f := newFixture(t, nil)
	bracketed(t, f, 100, 0)
	f.sim.SetResting("AAPL", true)

	res, err := f.engine.PartialExit(context.Background(), "AAPL", 0.5)
	if err != nil {
		t.Fatalf("PartialExit: %v", err)
	}
	if res.Outcome != PartialNoFill || res.SoldQty != 0 || res.RemainingQty != 100 {
		t.Errorf("result = %+v, want no_fill with 100 remaining", res)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 100)
}
