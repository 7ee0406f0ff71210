package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bracketguard/internal/domain"
	"bracketguard/internal/metrics"
)

// Recorder writes audit events and ledger snapshots to a Store from a
// single background goroutine. Its methods never block: when the queue is
// full the record is dropped and counted.
type Recorder struct {
	store Store
	log   *slog.Logger
	queue chan func(context.Context) error

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewRecorder starts a Recorder with a queue of the given capacity.
func NewRecorder(s Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store: s,
		log:   log.With("component", "recorder"),
		queue: make(chan func(context.Context) error, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := op(ctx); err != nil {
			r.log.Error("audit write failed", "error", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(kind, symbol string, op func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- op:
	default:
		r.dropped.Add(1)
		metrics.IncAuditDropped()
		r.log.Warn("audit queue full, record dropped", "kind", kind, "symbol", symbol)
	}
}

// RecordEvent queues an audit event.
func (r *Recorder) RecordEvent(ev domain.Event) {
	r.enqueue("event", ev.Symbol, func(ctx context.Context) error {
		return r.store.SaveEvent(ctx, ev)
	})
}

// SavePosition queues a ledger snapshot.
func (r *Recorder) SavePosition(p domain.Position) {
	r.enqueue("position", p.Symbol, func(ctx context.Context) error {
		return r.store.SavePosition(ctx, p)
	})
}

// DeletePosition queues removal of a ledger snapshot.
func (r *Recorder) DeletePosition(symbol string) {
	r.enqueue("delete", symbol, func(ctx context.Context) error {
		return r.store.DeletePosition(ctx, symbol)
	})
}

// RecordAdjustment queues a bracket adjustment record.
func (r *Recorder) RecordAdjustment(rec domain.MomentumAdjustmentRecord) {
	r.enqueue("adjustment", rec.Symbol, func(ctx context.Context) error {
		return r.store.SaveAdjustment(ctx, rec)
	})
}

// Dropped returns how many records were discarded on a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
