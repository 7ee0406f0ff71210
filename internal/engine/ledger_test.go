package engine

import (
	"slices"
	"testing"
	"time"

	"bracketguard/internal/domain"
)

type countingJournal struct {
	nopJournal
	saved   []string
	deleted []string
}

func (j *countingJournal) SavePosition(p domain.Position) { j.saved = append(j.saved, p.Symbol) }
func (j *countingJournal) DeletePosition(s string)        { j.deleted = append(j.deleted, s) }

func TestLedgerReconcile(t *testing.T) {
	j := &countingJournal{}
	l := NewLedger(j)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	l.Restore([]domain.Position{
		{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 100, EntryPrice: 100, StopPrice: 99, BracketAdjusted: true},
		{Symbol: "MSFT", Side: domain.PositionSideLong, Qty: 50, EntryPrice: 300, StopPrice: 297},
		{Symbol: "TSLA", Side: domain.PositionSideLong, Qty: 10, EntryPrice: 200},
		{Symbol: "GONE", Side: domain.PositionSideLong, Qty: 5, EntryPrice: 10},
	})
	if len(j.saved) != 0 {
		t.Errorf("Restore persisted %v, want nothing", j.saved)
	}

	adopted, removed := l.Reconcile([]domain.Position{
		{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 100, EntryPrice: 100, QtyAvailable: 0},
		{Symbol: "MSFT", Side: domain.PositionSideLong, Qty: 30, EntryPrice: 300},
		{Symbol: "TSLA", Side: domain.PositionSideShort, Qty: 5, EntryPrice: 210},
		{Symbol: "NVDA", Side: domain.PositionSideShort, Qty: 20, EntryPrice: 500, QtyAvailable: 20},
		{Symbol: "ZERO", Side: domain.PositionSideLong, Qty: 0},
	}, now, nil)

	if !slices.Equal(adopted, []string{"NVDA"}) {
		t.Errorf("adopted = %v, want [NVDA]", adopted)
	}
	if !slices.Equal(removed, []string{"GONE"}) {
		t.Errorf("removed = %v, want [GONE]", removed)
	}

	aapl, _ := l.Get("AAPL")
	if aapl.StopPrice != 99 || !aapl.BracketAdjusted {
		t.Errorf("AAPL intent lost: stop %v adjusted %v", aapl.StopPrice, aapl.BracketAdjusted)
	}

	msft, _ := l.Get("MSFT")
	if msft.Qty != 30 || msft.StopPrice != 297 {
		t.Errorf("MSFT = qty %d stop %v, want 30 / 297", msft.Qty, msft.StopPrice)
	}

	tsla, _ := l.Get("TSLA")
	if tsla.Side != domain.PositionSideShort || tsla.Qty != 5 || tsla.EntryPrice != 210 {
		t.Errorf("TSLA = %s %d @ %v, want short 5 @ 210", tsla.Side, tsla.Qty, tsla.EntryPrice)
	}
	if tsla.ProtectionState != domain.ProtectionUnprotected || !tsla.OpenedAt.Equal(now) {
		t.Errorf("flipped TSLA state %s opened %v, want fresh unprotected position", tsla.ProtectionState, tsla.OpenedAt)
	}

	nvda, ok := l.Get("NVDA")
	if !ok || nvda.ProtectionState != domain.ProtectionUnprotected || nvda.QtyAvailable != 20 {
		t.Errorf("NVDA = %+v, want adopted unprotected with 20 available", nvda)
	}
	if _, ok := l.Get("ZERO"); ok {
		t.Error("zero-quantity broker position adopted")
	}

	// AAPL was unchanged and is not re-persisted.
	slices.Sort(j.saved)
	if !slices.Equal(j.saved, []string{"MSFT", "NVDA", "TSLA"}) {
		t.Errorf("saved = %v, want [MSFT NVDA TSLA]", j.saved)
	}
	if !slices.Equal(j.deleted, []string{"GONE"}) {
		t.Errorf("deleted = %v, want [GONE]", j.deleted)
	}
}

func TestLedgerReconcileLeavesBusySymbols(t *testing.T) {
	l := NewLedger(nil)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	l.Restore([]domain.Position{
		{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 100, EntryPrice: 100},
		{Symbol: "MSFT", Side: domain.PositionSideLong, Qty: 50, EntryPrice: 300},
		{Symbol: "TSLA", Side: domain.PositionSideLong, Qty: 10, EntryPrice: 200},
	})
	busy := func(sym string) bool { return sym == "AAPL" || sym == "TSLA" }

	adopted, removed := l.Reconcile([]domain.Position{
		{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 50, EntryPrice: 100},
		{Symbol: "MSFT", Side: domain.PositionSideLong, Qty: 40, EntryPrice: 300},
	}, now, busy)

	if len(adopted) != 0 || len(removed) != 0 {
		t.Errorf("adopted, removed = %v, %v, want none", adopted, removed)
	}
	if aapl, _ := l.Get("AAPL"); aapl.Qty != 100 {
		t.Errorf("busy AAPL qty = %d, want 100", aapl.Qty)
	}
	if _, ok := l.Get("TSLA"); !ok {
		t.Error("busy TSLA removed")
	}
	if msft, _ := l.Get("MSFT"); msft.Qty != 40 {
		t.Errorf("MSFT qty = %d, want 40", msft.Qty)
	}
}

func TestLedgerUpdateAndRemove(t *testing.T) {
	j := &countingJournal{}
	l := NewLedger(j)

	if _, ok := l.Update("AAPL", func(p *domain.Position) { p.Qty = 1 }); ok {
		t.Error("Update of unknown symbol reported ok")
	}
	l.Upsert(domain.Position{Symbol: "AAPL", Qty: 10})
	got, ok := l.Update("AAPL", func(p *domain.Position) { p.Qty = 7 })
	if !ok || got.Qty != 7 {
		t.Errorf("Update = %+v, %v, want qty 7", got, ok)
	}

	l.Remove("AAPL")
	l.Remove("AAPL")
	if len(j.deleted) != 1 {
		t.Errorf("deletes persisted = %d, want 1", len(j.deleted))
	}
	if len(l.Snapshot()) != 0 {
		t.Error("Snapshot not empty after Remove")
	}
}

func TestLedgerSnapshotSorted(t *testing.T) {
	l := NewLedger(nil)
	for _, s := range []string{"MSFT", "AAPL", "NVDA"} {
		l.Upsert(domain.Position{Symbol: s, Qty: 1})
	}
	var got []string
	for _, p := range l.Snapshot() {
		got = append(got, p.Symbol)
	}
	if !slices.Equal(got, []string{"AAPL", "MSFT", "NVDA"}) {
		t.Errorf("Snapshot order = %v", got)
	}
}
