package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
	"bracketguard/internal/indicators"
)

// protectedAt sets up a 100-share long at 100 with a verified 1% stop and
// moves the market to price.
func protectedAt(t *testing.T, f *fixture, price float64) {
	t.Helper()
	f.sim.SetPosition("AAPL", domain.PositionSideLong, 100, 100)
	f.sim.SetPrice("AAPL", 100)
	if _, err := f.engine.VerifyAll(context.Background()); err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	f.sim.SetPrice("AAPL", price)
}

func strongMomentum() indicators.Reading {
	return indicators.Reading{
		TrendStrength:       0.8,
		VolumeRatio:         2.0,
		DirectionalStrength: 30,
		AsOf:                time.Now(),
	}
}

func TestBracketAdjustExtendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 101)
	f.momentum.reading = strongMomentum()
	ctx := context.Background()

	res, err := f.engine.Adjust(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if res.Outcome != AdjustExtended {
		t.Fatalf("Outcome = %s (%s), want adjusted", res.Outcome, res.Reason)
	}
	if res.NewStop < 100.1-1e-9 || res.NewStop >= 101 {
		t.Errorf("NewStop = %v, want breakeven plus buffer 100.1", res.NewStop)
	}
	if res.NewTarget != 102 {
		t.Errorf("NewTarget = %v, want 102", res.NewTarget)
	}

	pos, _ := f.engine.Position("AAPL")
	if !pos.BracketAdjusted {
		t.Error("BracketAdjusted not set")
	}
	if pos.ProtectionState != domain.ProtectionProtected {
		t.Errorf("ProtectionState = %s, want protected", pos.ProtectionState)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 100)
	assertTargetResting(t, f, "AAPL", domain.PositionSideLong, 102)

	// A second check, even with momentum still strong, does nothing.
	cancels := f.countCalls(broker.SimOpCancel, "")
	res, err = f.engine.Adjust(ctx, "AAPL")
	if err != nil {
		t.Fatalf("second Adjust: %v", err)
	}
	if res.Outcome != AdjustSkipped || res.Reason != "already_adjusted" {
		t.Errorf("second Adjust = %s/%s, want skipped/already_adjusted", res.Outcome, res.Reason)
	}
	if n := f.countCalls(broker.SimOpCancel, ""); n != cancels {
		t.Errorf("cancels after second Adjust = %d, want %d", n, cancels)
	}
	if n := f.countCalls(broker.SimOpSubmit, domain.OrderTypeStop); n != 2 {
		t.Errorf("stop submissions = %d, want 2", n)
	}
	if len(f.journal.adjustments) != 1 {
		t.Errorf("adjustment records = %d, want 1", len(f.journal.adjustments))
	}
	if got := f.engine.adjuster.AdjustAll(ctx); len(got) != 0 {
		t.Errorf("AdjustAll after adjustment = %v, want none", got)
	}
}

func TestBracketAdjustStaleMomentum(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 101)
	f.momentum.reading = strongMomentum()
	f.momentum.reading.AsOf = time.Now().Add(-10 * time.Minute)

	res, err := f.engine.Adjust(context.Background(), "AAPL")
	if !errors.Is(err, ErrStaleMarketData) {
		t.Errorf("err = %v, want ErrStaleMarketData", err)
	}
	if res.Outcome != AdjustSkipped {
		t.Errorf("Outcome = %s, want skipped", res.Outcome)
	}
	if n := f.countCalls(broker.SimOpCancel, ""); n != 0 {
		t.Errorf("cancels = %d, want 0", n)
	}
	if pos, _ := f.engine.Position("AAPL"); pos.BracketAdjusted {
		t.Error("stale data set BracketAdjusted")
	}
}

func TestBracketAdjustRequiresEverySignal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*indicators.Reading)
		reason string
	}{
		{"weak trend", func(r *indicators.Reading) { r.TrendStrength = 0.3 }, "weak_trend"},
		{"trend against position", func(r *indicators.Reading) { r.TrendStrength = -0.9 }, "weak_trend"},
		{"low volume", func(r *indicators.Reading) { r.VolumeRatio = 1.0 }, "low_volume"},
		{"weak direction", func(r *indicators.Reading) { r.DirectionalStrength = 15 }, "weak_direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			protectedAt(t, f, 101)
			f.momentum.reading = strongMomentum()
			tt.mutate(&f.momentum.reading)

			res, err := f.engine.Adjust(context.Background(), "AAPL")
			if err != nil {
				t.Fatalf("Adjust: %v", err)
			}
			if res.Outcome != AdjustSkipped || res.Reason != tt.reason {
				t.Errorf("result = %s/%s, want skipped/%s", res.Outcome, res.Reason, tt.reason)
			}
			if n := f.countCalls(broker.SimOpCancel, ""); n != 0 {
				t.Errorf("cancels = %d, want 0", n)
			}
		})
	}
}

func TestBracketAdjustBelowTrigger(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 100.5)
	f.momentum.reading = strongMomentum()

	res, err := f.engine.Adjust(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if res.Reason != "below_trigger" {
		t.Errorf("Reason = %q, want below_trigger", res.Reason)
	}
}

func TestBracketAdjustRestoresOriginalStop(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 101)
	f.momentum.reading = strongMomentum()
	f.sim.FailNextSubmit("AAPL", broker.ErrRejected)

	res, err := f.engine.Adjust(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if res.Outcome != AdjustAbandoned {
		t.Fatalf("Outcome = %s, want extension_abandoned", res.Outcome)
	}
	pos, _ := f.engine.Position("AAPL")
	if !pos.BracketAdjusted {
		t.Error("BracketAdjusted cleared after abandon")
	}
	if pos.StopPrice != 99 {
		t.Errorf("StopPrice = %v, want original 99", pos.StopPrice)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 100)
}

func TestBracketAdjustDegradesWhenNoStopSticks(t *testing.T) {
	f := newFixture(t, nil)
	protectedAt(t, f, 101)
	f.momentum.reading = strongMomentum()
	f.sim.HoldOrders("AAPL", true)
	_, alerts := f.alerts.Subscribe(4)

	res, err := f.engine.Adjust(context.Background(), "AAPL")
	if !errors.Is(err, ErrProtectionRepairFailed) {
		t.Fatalf("err = %v, want ErrProtectionRepairFailed", err)
	}
	if res.Outcome != AdjustDegraded {
		t.Errorf("Outcome = %s, want degraded", res.Outcome)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}

	// The verifier takes over on its next pass.
	f.sim.HoldOrders("AAPL", false)
	vr, err := f.engine.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(vr.Repaired) != 1 {
		t.Errorf("Repaired = %v, want [AAPL]", vr.Repaired)
	}
	assertCovered(t, f.sim, "AAPL", domain.PositionSideLong, 100)
}
