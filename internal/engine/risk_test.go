package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"bracketguard/internal/domain"
)

func TestRiskManagerCheckOrder(t *testing.T) {
	rm := NewRiskManager(0.10, 0.02)

	order := &domain.Order{
		ID:         "test-order-1",
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Qty:        10,
		LimitPrice: 150,
	}
	account := &domain.AccountInfo{
		Equity:      100000,
		Cash:        50000,
		BuyingPower: 200000,
	}

	err := rm.CheckOrder(context.Background(), order, account)
	if err != nil {
		t.Fatalf("CheckOrder returned unexpected error: %v", err)
	}
}

func TestRiskManagerLimits(t *testing.T) {
	account := &domain.AccountInfo{Equity: 100000, BuyingPower: 5000}

	tests := []struct {
		name    string
		order   *domain.Order
		wantErr bool
	}{
		{"within limits", &domain.Order{Symbol: "AAPL", Qty: 10, LimitPrice: 100}, false},
		{"stop price sizes", &domain.Order{Symbol: "AAPL", Qty: 10, StopPrice: 100}, false},
		{"no price", &domain.Order{Symbol: "AAPL", Qty: 10}, true},
		{"zero qty", &domain.Order{Symbol: "AAPL", LimitPrice: 100}, true},
		{"over position limit", &domain.Order{Symbol: "AAPL", Qty: 150, LimitPrice: 100}, true},
		{"over buying power", &domain.Order{Symbol: "AAPL", Qty: 60, LimitPrice: 100}, true},
	}
	rm := NewRiskManager(0.10, 0.02)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rm.CheckOrder(context.Background(), tt.order, account)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckOrder error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrRiskLimit) {
				t.Errorf("error %v does not wrap ErrRiskLimit", err)
			}
		})
	}
}

func TestRiskManagerDailyLoss(t *testing.T) {
	rm := NewRiskManager(0, 0.02)
	day := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return day }

	account := &domain.AccountInfo{Equity: 100000, BuyingPower: 100000}
	order := &domain.Order{Symbol: "AAPL", Qty: 1, LimitPrice: 100}

	rm.RecordLoss(1500)
	rm.RecordLoss(-400)
	if got := rm.DailyLoss(); got != 1500 {
		t.Errorf("DailyLoss = %v, want 1500", got)
	}
	if err := rm.CheckOrder(context.Background(), order, account); err != nil {
		t.Errorf("CheckOrder below limit: %v", err)
	}

	rm.RecordLoss(500)
	if err := rm.CheckOrder(context.Background(), order, account); !errors.Is(err, ErrRiskLimit) {
		t.Errorf("CheckOrder at limit error = %v, want ErrRiskLimit", err)
	}

	day = day.Add(24 * time.Hour)
	if got := rm.DailyLoss(); got != 0 {
		t.Errorf("DailyLoss after rollover = %v, want 0", got)
	}
	if err := rm.CheckOrder(context.Background(), order, account); err != nil {
		t.Errorf("CheckOrder next day: %v", err)
	}
}
