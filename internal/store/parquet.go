package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"bracketguard/internal/domain"
)

// ParquetStore archives audit events as one Parquet file per UTC day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// EventRecord is the Parquet schema for archived audit events.
type EventRecord struct {
	ID        string `parquet:"id"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Symbol    string `parquet:"symbol"`
	Action    string `parquet:"action"`
	BeforeIDs string `parquet:"before_ids"`
	AfterIDs  string `parquet:"after_ids"`
	Outcome   string `parquet:"outcome"`
	Detail    string `parquet:"detail"`
}

// WriteEvents merges events into the archive files for their days.
// Events already archived (by ID) are replaced, so re-exporting a day is
// idempotent. It returns the files written.
func (s *ParquetStore) WriteEvents(_ context.Context, events []domain.Event) ([]string, error) {
	groups := make(map[string][]EventRecord)
	for _, ev := range events {
		day := ev.Time.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], EventRecord{
			ID:        ev.ID,
			Timestamp: ev.Time.UnixMilli(),
			Symbol:    ev.Symbol,
			Action:    string(ev.Action),
			BeforeIDs: joinIDs(ev.BeforeOrderIDs),
			AfterIDs:  joinIDs(ev.AfterOrderIDs),
			Outcome:   ev.Outcome,
			Detail:    ev.Detail,
		})
	}

	days := make([]string, 0, len(groups))
	for day := range groups {
		days = append(days, day)
	}
	sort.Strings(days)

	var written []string
	for _, day := range days {
		t, _ := time.Parse("2006-01-02", day)
		path := s.eventPath(t)

		existing, err := readParquetFile[EventRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return written, fmt.Errorf("reading archive %s: %w", day, err)
		}
		if err := writeParquetFile(path, mergeEventRecords(existing, groups[day])); err != nil {
			return written, fmt.Errorf("writing archive %s: %w", day, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// ReadEvents returns the archived events for the UTC day containing day,
// oldest first. A day with no archive yields no events.
func (s *ParquetStore) ReadEvents(_ context.Context, day time.Time) ([]domain.Event, error) {
	records, err := readParquetFile[EventRecord](s.eventPath(day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.Event, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Event{
			ID:             r.ID,
			Time:           time.UnixMilli(r.Timestamp).UTC(),
			Symbol:         r.Symbol,
			Action:         domain.EventAction(r.Action),
			BeforeOrderIDs: splitIDs(r.BeforeIDs),
			AfterOrderIDs:  splitIDs(r.AfterIDs),
			Outcome:        r.Outcome,
			Detail:         r.Detail,
		})
	}
	return out, nil
}

// ListDays returns the archived days, oldest first.
func (s *ParquetStore) ListDays() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "events"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".parquet"); ok && !e.IsDir() {
			days = append(days, name)
		}
	}
	sort.Strings(days)
	return days, nil
}

// eventPath returns the archive path for a day.
// Layout: <dataDir>/events/<YYYY-MM-DD>.parquet
func (s *ParquetStore) eventPath(t time.Time) string {
	return filepath.Join(s.DataDir, "events", t.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeEventRecords deduplicates by ID, preferring incoming records, and
// sorts by timestamp then ID.
func mergeEventRecords(existing, incoming []EventRecord) []EventRecord {
	seen := make(map[string]EventRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]EventRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// ArchiveDay copies the events of the UTC day containing day from src into
// the Parquet archive. It returns the number of events archived.
func ArchiveDay(ctx context.Context, src EventStore, dst *ParquetStore, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	events, err := src.ListEvents(ctx, EventFilter{Since: start, Until: start.AddDate(0, 0, 1)})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	if _, err := dst.WriteEvents(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}
