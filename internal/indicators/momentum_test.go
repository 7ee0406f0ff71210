package indicators

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// trendBars builds n one-minute bars rising by step per bar. The last
// surge bars carry surgeVol volume, the rest baseVol.
func trendBars(n int, start, step float64, baseVol, surgeVol int64, surge int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := start + step*float64(i)
		vol := baseVol
		if i >= n-surge {
			vol = surgeVol
		}
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      c - step/2,
			High:      c + 0.05,
			Low:       c - step/2 - 0.05,
			Close:     c,
			Volume:    vol,
		}
	}
	return bars
}

func TestEMAFlatSeries(t *testing.T) {
	bars := trendBars(30, 100, 0, 1000, 1000, 0)
	if got := EMA(bars, 10); math.Abs(got-100) > 1e-9 {
		t.Errorf("EMA = %v, want 100", got)
	}
	if got := EMA(bars[:5], 10); got != 0 {
		t.Errorf("EMA with too few bars = %v, want 0", got)
	}
}

func TestSMA(t *testing.T) {
	bars := trendBars(10, 100, 1, 1000, 1000, 0) // closes 100..109
	if got := SMA(bars, 4); math.Abs(got-107.5) > 1e-9 {
		t.Errorf("SMA = %v, want 107.5", got)
	}
	if got := SMA(bars, 11); got != 0 {
		t.Errorf("SMA with too few bars = %v, want 0", got)
	}
}

func TestEfficiencyRatio(t *testing.T) {
	up := trendBars(30, 100, 0.1, 1000, 1000, 0)
	if got := EfficiencyRatio(up, 20); math.Abs(got-1) > 1e-9 {
		t.Errorf("EfficiencyRatio(up) = %v, want 1", got)
	}
	down := trendBars(30, 100, -0.1, 1000, 1000, 0)
	if got := EfficiencyRatio(down, 20); math.Abs(got+1) > 1e-9 {
		t.Errorf("EfficiencyRatio(down) = %v, want -1", got)
	}

	chop := trendBars(30, 100, 0, 1000, 1000, 0)
	for i := range chop {
		if i%2 == 1 {
			chop[i].Close = 101
		}
	}
	if got := EfficiencyRatio(chop, 20); math.Abs(got) > 0.1 {
		t.Errorf("EfficiencyRatio(chop) = %v, want near 0", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	bars := trendBars(60, 100, 0.1, 1000, 3000, 5)
	if got := VolumeRatio(bars, 5); math.Abs(got-3) > 1e-9 {
		t.Errorf("VolumeRatio = %v, want 3", got)
	}
	if got := VolumeRatio(bars[:5], 5); got != 0 {
		t.Errorf("VolumeRatio without baseline = %v, want 0", got)
	}
}

func TestADXStrongTrend(t *testing.T) {
	bars := trendBars(60, 100, 0.2, 1000, 1000, 0)
	adx := ADX(bars, 14)
	if adx < 50 {
		t.Errorf("ADX(steady uptrend) = %v, want >= 50", adx)
	}
	if adx > 100 {
		t.Errorf("ADX = %v, want <= 100", adx)
	}
	if got := ADX(bars[:20], 14); got != 0 {
		t.Errorf("ADX with too few bars = %v, want 0", got)
	}
}

func TestComputeInsufficient(t *testing.T) {
	_, err := Compute(trendBars(10, 100, 0.1, 1000, 1000, 0), DefaultParams())
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Compute error = %v, want ErrInsufficientData", err)
	}
}

func TestBarMomentumFromSimulator(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	bars := trendBars(60, 100, 0.1, 1000, 2500, 5)
	sim.SetBars("AAPL", bars)

	src := NewBarMomentum(sim, 60)
	src.now = func() time.Time { return t0.Add(time.Hour) }

	r, err := src.Momentum(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Momentum: %v", err)
	}
	if r.TrendStrength < 0.9 {
		t.Errorf("TrendStrength = %v, want >= 0.9", r.TrendStrength)
	}
	if math.Abs(r.VolumeRatio-2.5) > 1e-9 {
		t.Errorf("VolumeRatio = %v, want 2.5", r.VolumeRatio)
	}
	if want := bars[59].Timestamp.Add(time.Minute); !r.AsOf.Equal(want) {
		t.Errorf("AsOf = %v, want %v", r.AsOf, want)
	}

	if _, err := src.Momentum(context.Background(), "MSFT"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Momentum(no bars) error = %v, want ErrInsufficientData", err)
	}
}
