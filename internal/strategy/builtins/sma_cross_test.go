package builtins

import (
	"context"
	"testing"
	"time"

	"bracketguard/internal/domain"
)

func closesToBars(closes ...float64) []domain.Bar {
	t0 := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: "AAPL", Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return bars
}

func feed(t *testing.T, s *SMACross, bars []domain.Bar) []domain.EntryIntent {
	t.Helper()
	var out []domain.EntryIntent
	for _, b := range bars {
		in, err := s.OnBar(context.Background(), b)
		if err != nil {
			t.Fatalf("OnBar: %v", err)
		}
		out = append(out, in...)
	}
	return out
}

func TestSMACrossLong(t *testing.T) {
	s := NewSMACross(2, 4, 10)
	got := feed(t, s, closesToBars(10, 9, 8, 7, 12))
	if len(got) != 1 {
		t.Fatalf("intents = %d, want 1", len(got))
	}
	in := got[0]
	if in.Side != domain.PositionSideLong || in.SignalPrice != 12 || in.Qty != 10 {
		t.Errorf("intent = %+v, want long 10 @ 12", in)
	}
	if in.StopPrice != 6.5 {
		t.Errorf("StopPrice = %v, want 6.5", in.StopPrice)
	}
	if in.Strategy != "sma-cross" {
		t.Errorf("Strategy = %q, want sma-cross", in.Strategy)
	}
}

func TestSMACrossShort(t *testing.T) {
	bars := closesToBars(10, 11, 12, 13, 8)

	got := feed(t, NewSMACross(2, 4, 5), bars)
	if len(got) != 1 || got[0].Side != domain.PositionSideShort {
		t.Fatalf("intents = %+v, want one short", got)
	}
	if got[0].StopPrice != 13.5 {
		t.Errorf("StopPrice = %v, want 13.5", got[0].StopPrice)
	}

	if got := feed(t, NewSMACross(2, 4, 5).LongOnly(), bars); len(got) != 0 {
		t.Errorf("long-only intents = %+v, want none", got)
	}
}

func TestSMACrossNeedsHistory(t *testing.T) {
	s := NewSMACross(2, 4, 10)
	if got := feed(t, s, closesToBars(10, 9, 8, 12)); len(got) != 0 {
		t.Errorf("intents with short history = %+v, want none", got)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if n := len(s.history); n != 0 {
		t.Errorf("history after Init = %d symbols, want 0", n)
	}
}
