// Package store persists the audit trail and ledger snapshots: a SQLite
// database for events, positions and bracket adjustments, and a Parquet
// archive of each day's events.
package store

import (
	"context"
	"time"

	"bracketguard/internal/domain"
)

// EventFilter selects audit events. Zero fields do not filter.
type EventFilter struct {
	Symbol string
	Action domain.EventAction
	Since  time.Time
	Until  time.Time
	// Limit caps the number of events returned; 0 means no cap.
	Limit int
}

// EventStore persists and retrieves immutable audit events.
type EventStore interface {
	// SaveEvent appends an event. Saving an event ID twice is a no-op.
	SaveEvent(ctx context.Context, ev domain.Event) error

	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
}

// PositionStore persists the ledger so protection intent survives a restart.
type PositionStore interface {
	// SavePosition inserts or updates the position for a symbol.
	SavePosition(ctx context.Context, pos domain.Position) error

	// ListPositions returns all saved positions sorted by symbol.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// AdjustmentStore records momentum bracket adjustments.
type AdjustmentStore interface {
	SaveAdjustment(ctx context.Context, rec domain.MomentumAdjustmentRecord) error

	// ListAdjustments returns the adjustments for symbol, or for every
	// symbol when symbol is empty, oldest first.
	ListAdjustments(ctx context.Context, symbol string) ([]domain.MomentumAdjustmentRecord, error)
}

// Store is the full persistence surface the daemon needs.
type Store interface {
	EventStore
	PositionStore
	AdjustmentStore
	Close() error
}
