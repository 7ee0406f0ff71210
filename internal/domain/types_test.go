package domain

import (
	"math"
	"testing"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}

	order := Order{}
	if order.ID != "" || order.Side != "" || order.Type != "" || order.Status != "" {
		t.Error("expected empty identifiers for zero-value Order")
	}
	if order.Qty != 0 || order.FilledQty != 0 || order.FilledAvgPrice != 0 {
		t.Error("expected zero Qty/FilledQty/FilledAvgPrice for zero-value Order")
	}

	if OrderSideBuy != "buy" {
		t.Errorf("OrderSideBuy = %q, want %q", OrderSideBuy, "buy")
	}
	if MarketUS != "us" {
		t.Error("Market constants have unexpected values")
	}

	pos := Position{Symbol: "AAPL", Qty: 100, Side: PositionSideLong}
	if pos.Side != PositionSideLong {
		t.Errorf("pos.Side = %q, want %q", pos.Side, PositionSideLong)
	}
}

func TestOrderStatusSets(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		active   bool
		terminal bool
	}{
		{OrderStatusNew, true, false},
		{OrderStatusAccepted, true, false},
		{OrderStatusPartiallyFilled, true, false},
		{OrderStatusHeld, false, false},
		{OrderStatusPendingCancel, false, false},
		{OrderStatusFilled, false, true},
		{OrderStatusCancelled, false, true},
		{OrderStatusRejected, false, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsActive(); got != tt.active {
			t.Errorf("%s.IsActive() = %v, want %v", tt.status, got, tt.active)
		}
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
	if !OrderStatusHeld.ReservesShares() {
		t.Error("held orders must reserve shares")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		side  PositionSide
		want  OrderKind
	}{
		{"long stop", Order{Side: OrderSideSell, Type: OrderTypeStop, StopPrice: 95}, PositionSideLong, OrderKindStop},
		{"long target", Order{Side: OrderSideSell, Type: OrderTypeLimit, LimitPrice: 110}, PositionSideLong, OrderKindTarget},
		{"long trailing", Order{Side: OrderSideSell, Type: OrderTypeTrailingStop}, PositionSideLong, OrderKindTrailingStop},
		{"long entry", Order{Side: OrderSideBuy, Type: OrderTypeLimit}, PositionSideLong, OrderKindEntry},
		{"short stop", Order{Side: OrderSideBuy, Type: OrderTypeStop}, PositionSideShort, OrderKindStop},
		{"long market exit", Order{Side: OrderSideSell, Type: OrderTypeMarket}, PositionSideLong, OrderKindExit},
	}
	for _, tt := range tests {
		if got := Classify(tt.order, tt.side).Kind; got != tt.want {
			t.Errorf("%s: Classify().Kind = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRMultiple(t *testing.T) {
	long := Position{Side: PositionSideLong, EntryPrice: 100, InitialStop: 98}
	if got := long.RMultiple(101.5); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("long RMultiple(101.5) = %v, want 0.75", got)
	}

	short := Position{Side: PositionSideShort, EntryPrice: 50, InitialStop: 51}
	if got := short.RMultiple(48); math.Abs(got-2) > 1e-9 {
		t.Errorf("short RMultiple(48) = %v, want 2", got)
	}

	unknown := Position{Side: PositionSideLong, EntryPrice: 100}
	if got := unknown.RMultiple(120); got != 0 {
		t.Errorf("RMultiple without stop = %v, want 0", got)
	}
}

func TestRemainingQty(t *testing.T) {
	o := Order{Qty: 100, FilledQty: 40}
	if got := o.RemainingQty(); got != 60 {
		t.Errorf("RemainingQty() = %d, want 60", got)
	}
	o.FilledQty = 120
	if got := o.RemainingQty(); got != 0 {
		t.Errorf("RemainingQty() overfilled = %d, want 0", got)
	}
}
