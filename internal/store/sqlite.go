package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bracketguard/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ EventStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ AdjustmentStore = (*SQLiteStore)(nil)
var _ Store = (*SQLiteStore)(nil)

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`CREATE TABLE events (
		id          TEXT PRIMARY KEY,
		ts          INTEGER NOT NULL,
		symbol      TEXT NOT NULL,
		action      TEXT NOT NULL,
		before_ids  TEXT NOT NULL DEFAULT '',
		after_ids   TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX events_symbol_ts ON events (symbol, ts);
	CREATE INDEX events_ts ON events (ts);`,

	`CREATE TABLE positions (
		symbol             TEXT PRIMARY KEY,
		side               TEXT NOT NULL,
		qty                INTEGER NOT NULL,
		entry_price        REAL NOT NULL,
		stop_price         REAL NOT NULL DEFAULT 0,
		target_price       REAL NOT NULL DEFAULT 0,
		initial_stop       REAL NOT NULL DEFAULT 0,
		stop_order_id      TEXT NOT NULL DEFAULT '',
		target_order_id    TEXT NOT NULL DEFAULT '',
		protection_state   TEXT NOT NULL DEFAULT '',
		bracket_adjusted   INTEGER NOT NULL DEFAULT 0,
		partial_exit_taken INTEGER NOT NULL DEFAULT 0,
		repair_failures    INTEGER NOT NULL DEFAULT 0,
		opened_at          INTEGER NOT NULL DEFAULT 0,
		last_verified_at   INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE adjustments (
		symbol      TEXT NOT NULL,
		opened_at   INTEGER NOT NULL,
		old_stop    REAL NOT NULL,
		new_stop    REAL NOT NULL,
		old_target  REAL NOT NULL,
		new_target  REAL NOT NULL,
		adjusted_at INTEGER NOT NULL,
		PRIMARY KEY (symbol, opened_at)
	);`,
}

// SQLiteStore implements EventStore, PositionStore, and AdjustmentStore
// backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// EventStore implementation
// ---------------------------------------------------------------------------

// SaveEvent inserts an event, ignoring duplicates by ID.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, symbol, action, before_ids, after_ids, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UnixNano(), ev.Symbol, string(ev.Action),
		joinIDs(ev.BeforeOrderIDs), joinIDs(ev.AfterOrderIDs), ev.Outcome, ev.Detail)
	if err != nil {
		return fmt.Errorf("saving event %s: %w", ev.ID, err)
	}
	return nil
}

// ListEvents returns events matching f, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}

	q := "SELECT id, ts, symbol, action, before_ids, after_ids, outcome, detail FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev            domain.Event
			ts            int64
			action        string
			before, after string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Symbol, &action, &before, &after, &ev.Outcome, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time = fromNanos(ts)
		ev.Action = domain.EventAction(action)
		ev.BeforeOrderIDs = splitIDs(before)
		ev.AfterOrderIDs = splitIDs(after)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or replaces the position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (symbol, side, qty, entry_price, stop_price, target_price,
			initial_stop, stop_order_id, target_order_id, protection_state, bracket_adjusted,
			partial_exit_taken, repair_failures, opened_at, last_verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, string(p.Side), p.Qty, p.EntryPrice, p.StopPrice, p.TargetPrice,
		p.InitialStop, p.StopOrderID, p.TargetOrderID, string(p.ProtectionState),
		p.BracketAdjusted, p.PartialExitTaken, p.RepairFailures,
		toNanos(p.OpenedAt), toNanos(p.LastVerifiedAt))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// ListPositions returns every saved position sorted by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, qty, entry_price, stop_price, target_price, initial_stop,
			stop_order_id, target_order_id, protection_state, bracket_adjusted,
			partial_exit_taken, repair_failures, opened_at, last_verified_at
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p                domain.Position
			side, state      string
			opened, verified int64
		)
		if err := rows.Scan(&p.Symbol, &side, &p.Qty, &p.EntryPrice, &p.StopPrice, &p.TargetPrice,
			&p.InitialStop, &p.StopOrderID, &p.TargetOrderID, &state, &p.BracketAdjusted,
			&p.PartialExitTaken, &p.RepairFailures, &opened, &verified); err != nil {
			return nil, err
		}
		p.Side = domain.PositionSide(side)
		p.ProtectionState = domain.ProtectionState(state)
		p.OpenedAt = fromNanos(opened)
		p.LastVerifiedAt = fromNanos(verified)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes the position for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("deleting position %s: %w", symbol, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// AdjustmentStore implementation
// ---------------------------------------------------------------------------

// SaveAdjustment records a bracket adjustment. A position is adjusted at
// most once, so a second record for the same opening replaces the first.
func (s *SQLiteStore) SaveAdjustment(ctx context.Context, r domain.MomentumAdjustmentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO adjustments (symbol, opened_at, old_stop, new_stop, old_target, new_target, adjusted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Symbol, toNanos(r.OpenedAt), r.OldStop, r.NewStop, r.OldTarget, r.NewTarget, toNanos(r.AdjustedAt))
	if err != nil {
		return fmt.Errorf("saving adjustment %s: %w", r.Symbol, err)
	}
	return nil
}

// ListAdjustments returns adjustments oldest first.
func (s *SQLiteStore) ListAdjustments(ctx context.Context, symbol string) ([]domain.MomentumAdjustmentRecord, error) {
	q := "SELECT symbol, opened_at, old_stop, new_stop, old_target, new_target, adjusted_at FROM adjustments"
	var args []any
	if symbol != "" {
		q += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	q += " ORDER BY adjusted_at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing adjustments: %w", err)
	}
	defer rows.Close()

	var out []domain.MomentumAdjustmentRecord
	for rows.Next() {
		var (
			r                domain.MomentumAdjustmentRecord
			opened, adjusted int64
		)
		if err := rows.Scan(&r.Symbol, &opened, &r.OldStop, &r.NewStop, &r.OldTarget, &r.NewTarget, &adjusted); err != nil {
			return nil, err
		}
		r.OpenedAt = fromNanos(opened)
		r.AdjustedAt = fromNanos(adjusted)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func joinIDs(ids []string) string { return strings.Join(ids, ",") }

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// toNanos stores the zero time as 0 so it round-trips.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
