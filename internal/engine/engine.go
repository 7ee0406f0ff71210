// Package engine keeps every open position protected by a live,
// broker-accepted stop, and performs the mutations that touch live
// brackets: smart entries, momentum bracket extension and partial exits.
package engine

import (
	"context"
	"log/slog"
	"time"

	"bracketguard/internal/broker"
	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/indicators"
)

// Deps are the collaborators an Engine is built from. Only Broker is
// required.
type Deps struct {
	Broker   broker.Broker
	Quoter   broker.Quoter
	Momentum indicators.MomentumSource
	Journal  Journal
	Alerts   AlertSink
	Risk     *RiskManager
	Log      *slog.Logger

	// MarketOpen gates entries, adjustments and partial exits. Nil means
	// always open.
	MarketOpen func(time.Time) bool
	Now        func() time.Time
}

// Engine wires the ledger and the protection components together.
type Engine struct {
	cfg *config.Config
	env *env

	resolver *Resolver
	builder  *Builder
	verifier *Verifier
	entries  *EntryExecutor
	adjuster *BracketAdjuster
	partials *PartialExitCoordinator

	intents    chan domain.EntryIntent
	marketOpen func(time.Time) bool
}

// New builds an Engine from cfg and d.
func New(cfg *config.Config, d Deps) *Engine {
	if d.Journal == nil {
		d.Journal = nopJournal{}
	}
	if d.Alerts == nil {
		d.Alerts = nopAlerts{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MarketOpen == nil {
		d.MarketOpen = func(time.Time) bool { return true }
	}
	if d.Quoter == nil {
		if q, ok := d.Broker.(broker.Quoter); ok {
			d.Quoter = q
		}
	}

	e := &env{
		broker:  d.Broker,
		quoter:  d.Quoter,
		ledger:  NewLedger(d.Journal),
		locks:   newSymbolLocks(),
		journal: d.Journal,
		alerts:  d.Alerts,
		risk:    d.Risk,
		cfg:     cfg.Protection,
		log:     d.Log.With("component", "engine", "broker", d.Broker.Name()),
		now:     d.Now,
	}

	resolver := &Resolver{env: e}
	builder := &Builder{env: e}
	verifier := &Verifier{env: e, resolver: resolver, builder: builder, concurrency: cfg.Trading.MaxConcurrency}

	return &Engine{
		cfg:      cfg,
		env:      e,
		resolver: resolver,
		builder:  builder,
		verifier: verifier,
		entries:  &EntryExecutor{env: e, builder: builder, risk: d.Risk, cfg: cfg.Entry},
		adjuster: &BracketAdjuster{env: e, resolver: resolver, builder: builder, momentum: d.Momentum, cfg: cfg.Bracket},
		partials: &PartialExitCoordinator{
			env: e, resolver: resolver, verifier: verifier, cfg: cfg.PartialExit,
		},
		intents:    make(chan domain.EntryIntent, 64),
		marketOpen: d.MarketOpen,
	}
}

// VerifyAll runs one reconciliation pass over every open position.
func (e *Engine) VerifyAll(ctx context.Context) (domain.ReconciliationResult, error) {
	return e.verifier.VerifyAll(ctx)
}

// Verify checks and repairs a single symbol.
func (e *Engine) Verify(ctx context.Context, symbol string) (domain.ProtectionState, error) {
	return e.verifier.Verify(ctx, symbol)
}

// ExecuteEntry runs an entry intent synchronously.
func (e *Engine) ExecuteEntry(ctx context.Context, intent domain.EntryIntent) (EntryResult, error) {
	return e.entries.Execute(ctx, intent)
}

// Adjust runs the bracket adjustment check for one symbol.
func (e *Engine) Adjust(ctx context.Context, symbol string) (AdjustResult, error) {
	return e.adjuster.Adjust(ctx, symbol)
}

// PartialExit sells fraction of a position and re-protects the rest. A
// zero fraction uses the configured default.
func (e *Engine) PartialExit(ctx context.Context, symbol string, fraction float64) (PartialExitResult, error) {
	if fraction == 0 {
		fraction = e.cfg.PartialExit.Fraction
	}
	return e.partials.Execute(ctx, symbol, fraction)
}

// Positions returns the ledger's positions sorted by symbol.
func (e *Engine) Positions() []domain.Position {
	return e.env.ledger.Snapshot()
}

// Position returns the ledger's view of one symbol.
func (e *Engine) Position(symbol string) (domain.Position, bool) {
	return e.env.ledger.Get(symbol)
}

// Restore seeds the ledger with persisted positions. Call before Run.
func (e *Engine) Restore(positions []domain.Position) {
	e.env.ledger.Restore(positions)
	e.env.log.Info("ledger restored", "positions", len(positions))
}
