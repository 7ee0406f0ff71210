package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/domain"
	"bracketguard/internal/util"
)

// stubStrategy is a minimal Strategy that emits one intent per bar.
type stubStrategy struct {
	name string
	seen []domain.Bar
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) Init(_ context.Context) error { return nil }
func (s *stubStrategy) OnBar(_ context.Context, bar domain.Bar) ([]domain.EntryIntent, error) {
	s.seen = append(s.seen, bar)
	return []domain.EntryIntent{{Symbol: bar.Symbol, Side: domain.PositionSideLong, Qty: 1, SignalPrice: bar.Close}}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := &stubStrategy{name: "test-strategy"}

	r.Register(s)

	got, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.Name() != "test-strategy" {
		t.Errorf("Get returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "beta"})
	r.Register(&stubStrategy{name: "alpha"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func minuteBars(symbol string, n int) []domain.Bar {
	t0 := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000}
	}
	return bars
}

func TestRunnerForwardsOnlyNewBars(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	sim.SetBars("AAPL", minuteBars("AAPL", 5))

	var got []domain.EntryIntent
	sink := func(in domain.EntryIntent) error {
		got = append(got, in)
		return nil
	}
	strat := &stubStrategy{name: "stub"}
	r := NewRunner(strat, sim, sink, []string{"AAPL", "MSFT"}, 10, util.Discard())
	r.now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if n := r.Poll(ctx); n != 0 {
		t.Errorf("warm-up Poll sent %d intents, want 0", n)
	}
	if len(strat.seen) != 5 {
		t.Errorf("strategy saw %d bars on warm-up, want 5", len(strat.seen))
	}

	sim.SetBars("AAPL", minuteBars("AAPL", 7))
	if n := r.Poll(ctx); n != 2 {
		t.Errorf("Poll sent %d intents, want 2", n)
	}
	if len(got) != 2 || got[0].SignalPrice != 105 || got[1].SignalPrice != 106 {
		t.Errorf("intents = %+v, want signals 105 and 106", got)
	}

	if n := r.Poll(ctx); n != 0 {
		t.Errorf("Poll with no new bars sent %d intents, want 0", n)
	}
	if len(strat.seen) != 7 {
		t.Errorf("strategy saw %d bars, want 7", len(strat.seen))
	}
}

func TestRunnerSinkRejection(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	sim.SetBars("AAPL", minuteBars("AAPL", 2))
	sink := func(domain.EntryIntent) error { return errors.New("queue full") }

	r := NewRunner(&stubStrategy{name: "stub"}, sim, sink, []string{"AAPL"}, 10, util.Discard())
	r.now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }
	r.Poll(context.Background())

	sim.SetBars("AAPL", minuteBars("AAPL", 3))
	if n := r.Poll(context.Background()); n != 0 {
		t.Errorf("Poll counted %d rejected intents, want 0", n)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	r := NewRunner(&stubStrategy{name: "stub"}, sim, func(domain.EntryIntent) error { return nil },
		[]string{"AAPL"}, 10, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
