package engine

import (
	"sort"
	"sync"
	"time"

	"bracketguard/internal/domain"
)

// Journal receives audit events and ledger snapshots. Implementations must
// return promptly; the engine calls it from inside symbol critical
// sections.
type Journal interface {
	RecordEvent(domain.Event)
	SavePosition(domain.Position)
	DeletePosition(symbol string)
	RecordAdjustment(domain.MomentumAdjustmentRecord)
}

type nopJournal struct{}

func (nopJournal) RecordEvent(domain.Event)                         {}
func (nopJournal) SavePosition(domain.Position)                     {}
func (nopJournal) DeletePosition(string)                            {}
func (nopJournal) RecordAdjustment(domain.MomentumAdjustmentRecord) {}

// Ledger is the in-process record of what protection should exist for each
// open position. The broker is authoritative for existence, side and
// quantity; the ledger owns intent (stop and target prices, the bracket
// adjustment guard) and the last observed protection state.
//
// Writes happen only in the reconciliation phase of a verifier pass or
// inside a symbol critical section.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	journal   Journal
}

// NewLedger creates an empty Ledger persisting through j (may be nil).
func NewLedger(j Journal) *Ledger {
	if j == nil {
		j = nopJournal{}
	}
	return &Ledger{
		positions: make(map[string]*domain.Position),
		journal:   j,
	}
}

// Get returns a copy of the position for symbol.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Snapshot returns copies of all positions sorted by symbol.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Upsert stores p, replacing any existing entry.
func (l *Ledger) Upsert(p domain.Position) {
	l.mu.Lock()
	cp := p
	l.positions[p.Symbol] = &cp
	l.mu.Unlock()
	l.journal.SavePosition(p)
}

// Update applies fn to the stored position and persists the result. It
// reports false if the symbol is unknown.
func (l *Ledger) Update(symbol string, fn func(p *domain.Position)) (domain.Position, bool) {
	l.mu.Lock()
	p, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, false
	}
	fn(p)
	cp := *p
	l.mu.Unlock()
	l.journal.SavePosition(cp)
	return cp, true
}

// Remove deletes the position for symbol.
func (l *Ledger) Remove(symbol string) {
	l.mu.Lock()
	_, ok := l.positions[symbol]
	delete(l.positions, symbol)
	l.mu.Unlock()
	if ok {
		l.journal.DeletePosition(symbol)
	}
}

// Restore loads persisted positions at start-up without re-persisting them.
// The next Reconcile drops any that the broker no longer reports.
func (l *Ledger) Restore(positions []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		cp := p
		l.positions[p.Symbol] = &cp
	}
}

// Reconcile aligns the ledger with the broker's position list. Unknown
// broker positions are adopted as unprotected; local positions the broker
// no longer reports are removed. Symbols for which busy reports true are
// in the middle of a mutation whose owner updates the ledger itself, so
// they are left untouched until a later pass. It returns the adopted and
// removed symbols.
func (l *Ledger) Reconcile(brokerPositions []domain.Position, now time.Time, busy func(symbol string) bool) (adopted, removed []string) {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	var changed []domain.Position

	l.mu.Lock()
	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.Qty <= 0 {
			continue
		}
		seen[bp.Symbol] = true
		if busy(bp.Symbol) {
			continue
		}

		p, ok := l.positions[bp.Symbol]
		switch {
		case !ok:
			p = &domain.Position{
				Symbol:          bp.Symbol,
				Side:            bp.Side,
				Qty:             bp.Qty,
				EntryPrice:      bp.EntryPrice,
				ProtectionState: domain.ProtectionUnprotected,
				OpenedAt:        now,
			}
			l.positions[bp.Symbol] = p
			adopted = append(adopted, bp.Symbol)
			changed = append(changed, *p)
		case p.Side != bp.Side:
			// Flipped through zero between ticks: a new position.
			*p = domain.Position{
				Symbol:          bp.Symbol,
				Side:            bp.Side,
				Qty:             bp.Qty,
				EntryPrice:      bp.EntryPrice,
				ProtectionState: domain.ProtectionUnprotected,
				OpenedAt:        now,
			}
			changed = append(changed, *p)
		case p.Qty != bp.Qty || (p.EntryPrice == 0 && bp.EntryPrice > 0):
			p.Qty = bp.Qty
			if p.EntryPrice == 0 {
				p.EntryPrice = bp.EntryPrice
			}
			changed = append(changed, *p)
		}
		p.QtyAvailable = bp.QtyAvailable
	}

	for sym := range l.positions {
		if !seen[sym] && !busy(sym) {
			delete(l.positions, sym)
			removed = append(removed, sym)
		}
	}
	l.mu.Unlock()

	for _, p := range changed {
		l.journal.SavePosition(p)
	}
	for _, sym := range removed {
		l.journal.DeletePosition(sym)
	}
	sort.Strings(adopted)
	sort.Strings(removed)
	return adopted, removed
}
