// Package broker defines the Broker interface and provides implementations
// for executing orders and reading account state: the Alpaca brokerage and
// an in-memory simulator used for paper runs and tests.
package broker

import (
	"context"
	"errors"
	"time"

	"bracketguard/internal/domain"
)

// Errors returned by Broker implementations. Adapters translate transport
// and API failures into these so callers never see raw HTTP errors.
var (
	// ErrTransient covers network failures, timeouts, rate limiting and
	// broker-side 5xx responses. The same call may succeed later.
	ErrTransient = errors.New("broker: transient failure")

	// ErrRejected means the broker refused the request as invalid (bad
	// price, bad quantity, order not cancelable).
	ErrRejected = errors.New("broker: request rejected")

	// ErrInsufficientQty means the shares needed by an order are reserved
	// by other resting orders (including wash-trade protection).
	ErrInsufficientQty = errors.New("broker: insufficient qty available")

	// ErrOrderNotFound is returned for unknown order IDs.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrPositionNotFound is returned when no position exists for a symbol.
	ErrPositionNotFound = errors.New("broker: position not found")

	// ErrHeld means the broker accepted an order but is holding it instead
	// of making it active.
	ErrHeld = errors.New("broker: order held")

	// ErrNoPrice is returned when the price feed has no quote for a symbol.
	ErrNoPrice = errors.New("broker: price unavailable")
)

// Broker abstracts brokerage operations for order execution and account
// state. It is the authoritative system of record for positions and orders.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// ListPositions returns all current positions held at the brokerage.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// GetPosition returns the position for symbol, including the quantity
	// not reserved by resting orders. ErrPositionNotFound if flat.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListOrders returns orders for symbol matching filter.
	ListOrders(ctx context.Context, symbol string, filter domain.OrderFilter) ([]domain.Order, error)

	// GetOrder returns a single order by ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// SubmitOrder sends an order to the brokerage.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID. A nil
	// error acknowledges the request only; callers must poll GetOrder to
	// confirm the cancellation.
	CancelOrder(ctx context.Context, orderID string) error

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// Quoter supplies the latest trade price for a symbol.
type Quoter interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// BarSource supplies recent one-minute bars for a symbol, oldest first.
type BarSource interface {
	RecentBars(ctx context.Context, symbol string, n int, end time.Time) ([]domain.Bar, error)
}
