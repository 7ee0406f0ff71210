package engine

import (
	"context"
	"sync"
)

// symbolLocks serialises live-order mutations per symbol. Different symbols
// never contend. Acquisition honours ctx so no loop blocks forever behind a
// stuck repair.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]chan struct{})}
}

// lock acquires the symbol's lock and returns its release function.
func (l *symbolLocks) lock(ctx context.Context, symbol string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[symbol] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// held reports whether some caller currently holds the symbol's lock.
func (l *symbolLocks) held(symbol string) bool {
	l.mu.Lock()
	ch, ok := l.locks[symbol]
	l.mu.Unlock()
	return ok && len(ch) > 0
}

// tryLock acquires the lock only if it is free.
func (l *symbolLocks) tryLock(symbol string) (func(), bool) {
	l.mu.Lock()
	ch, ok := l.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[symbol] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
