package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bracketguard/internal/broker"
	"bracketguard/internal/config"
	"bracketguard/internal/domain"
)

// AlertSink receives the protection state of each symbol after it has been
// checked. Deduplication is the sink's job.
type AlertSink interface {
	Observe(symbol string, state domain.ProtectionState, reason string) bool
	Forget(symbol string)
}

type nopAlerts struct{}

func (nopAlerts) Observe(string, domain.ProtectionState, string) bool { return false }
func (nopAlerts) Forget(string)                                       {}

// env is the state shared by the engine components.
type env struct {
	broker  broker.Broker
	quoter  broker.Quoter
	ledger  *Ledger
	locks   *symbolLocks
	journal Journal
	alerts  AlertSink
	risk    *RiskManager
	cfg     config.ProtectionConfig
	log     *slog.Logger
	now     func() time.Time
}

// callCtx bounds a single broker call.
func (e *env) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.BrokerCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.BrokerCallTimeout)
}

func (e *env) openOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.ListOrders(cctx, symbol, domain.OrderFilterOpen)
}

func (e *env) getOrder(ctx context.Context, id string) (*domain.Order, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.GetOrder(cctx, id)
}

func (e *env) getPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.GetPosition(cctx, symbol)
}

func (e *env) submit(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.SubmitOrder(cctx, req)
}

func (e *env) cancel(ctx context.Context, id string) error {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.CancelOrder(cctx, id)
}

// latestPrice returns the current price, or false if the feed has none.
func (e *env) latestPrice(ctx context.Context, symbol string) (float64, bool) {
	if e.quoter == nil {
		return 0, false
	}
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	p, err := e.quoter.LatestPrice(cctx, symbol)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// record emits an audit event. It never blocks on storage.
func (e *env) record(symbol string, action domain.EventAction, before, after []string, outcome, detail string) {
	e.journal.RecordEvent(domain.Event{
		ID:             uuid.NewString(),
		Time:           e.now(),
		Symbol:         symbol,
		Action:         action,
		BeforeOrderIDs: before,
		AfterOrderIDs:  after,
		Outcome:        outcome,
		Detail:         detail,
	})
}

// exitIDs returns the IDs of the stop and target the ledger holds for
// symbol.
func (e *env) exitIDs(symbol string) []string {
	p, ok := e.ledger.Get(symbol)
	if !ok {
		return nil
	}
	var ids []string
	for _, id := range []string{p.StopOrderID, p.TargetOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// clientOrderID tags engine-originated orders so they are recognisable in
// the broker's order history.
func clientOrderID(kind domain.OrderKind) string {
	return fmt.Sprintf("bg-%s-%s", kind, uuid.NewString())
}

// lossSide reports whether stop sits on the losing side of price for a
// position held on side.
func lossSide(side domain.PositionSide, stop, price float64) bool {
	if side == domain.PositionSideShort {
		return stop > price
	}
	return stop < price
}
