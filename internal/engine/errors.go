package engine

import (
	"context"
	"errors"
	"fmt"

	"bracketguard/internal/broker"
	"bracketguard/internal/metrics"
)

// Error kinds. Every failure leaving an engine component is an *OpError
// whose Kind is one of these, so callers match with errors.Is.
var (
	// ErrBrokerTransient: network, timeout or rate limit. Retried on the
	// next tick with the same bounded policy.
	ErrBrokerTransient = errors.New("broker transient failure")

	// ErrOrderRejected: the broker refused the order as invalid. Not
	// retried identically; inputs are recomputed first.
	ErrOrderRejected = errors.New("order rejected")

	// ErrOrderHeld: the broker accepted the order but holds it instead of
	// activating it. Held stops provide no protection.
	ErrOrderHeld = errors.New("order held")

	// ErrInsufficientShares: resting orders still reserve the shares the
	// operation needs, or a cancel could not be confirmed in time.
	ErrInsufficientShares = errors.New("insufficient shares available")

	// ErrStaleMarketData: momentum inputs are missing or too old. The
	// adjustment is skipped; the position itself is unaffected.
	ErrStaleMarketData = errors.New("stale market data")

	// ErrProtectionRepairFailed: a repair was attempted and retried and the
	// position is still unprotected.
	ErrProtectionRepairFailed = errors.New("protection repair failed")
)

// OpError describes a failed engine operation on a symbol.
type OpError struct {
	Op     string
	Symbol string
	Kind   error
	Err    error
}

func (e *OpError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Symbol, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s %s: %v", e.Op, e.Symbol, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// opError builds an OpError with an explicit kind.
func opError(op, symbol string, kind, err error) *OpError {
	metrics.IncBrokerErrors(kindName(kind))
	return &OpError{Op: op, Symbol: symbol, Kind: kind, Err: err}
}

// brokerError converts a broker failure into the engine taxonomy. Errors
// that are already OpErrors keep their kind.
func brokerError(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return opError(op, symbol, classify(err), err)
}

// classify maps broker and context errors to an engine error kind.
func classify(err error) error {
	switch {
	case errors.Is(err, broker.ErrInsufficientQty):
		return ErrInsufficientShares
	case errors.Is(err, broker.ErrHeld):
		return ErrOrderHeld
	case errors.Is(err, broker.ErrRejected):
		return ErrOrderRejected
	case errors.Is(err, broker.ErrNoPrice):
		return ErrStaleMarketData
	case errors.Is(err, broker.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrBrokerTransient
	default:
		return ErrBrokerTransient
	}
}

func kindName(kind error) string {
	switch kind {
	case ErrBrokerTransient:
		return "transient"
	case ErrOrderRejected:
		return "rejected"
	case ErrOrderHeld:
		return "held"
	case ErrInsufficientShares:
		return "insufficient_shares"
	case ErrStaleMarketData:
		return "stale_data"
	case ErrProtectionRepairFailed:
		return "repair_failed"
	default:
		return "other"
	}
}
