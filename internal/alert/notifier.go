// Package alert turns per-symbol protection states into operator alerts.
// An alert is emitted once when a symbol becomes degraded and once more when
// it leaves that state; repeated observations of a known state are silent.
// Alerts fan out to subscribers (WebSocket hub, gRPC watchers) without ever
// blocking the caller.
package alert

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"bracketguard/internal/domain"
)

// Alert is the wire format pushed to subscribers.
type Alert struct {
	Symbol   string                 `json:"symbol"`
	State    domain.ProtectionState `json:"state"`
	Previous domain.ProtectionState `json:"previous,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Time     time.Time              `json:"time"`
}

// Recovered reports whether the alert marks a return from degraded.
func (a Alert) Recovered() bool {
	return a.Previous == domain.ProtectionDegraded && a.State != domain.ProtectionDegraded
}

// Notifier tracks the last observed state per symbol with optional JSON
// persistence so a restart does not re-alert known degraded symbols.
type Notifier struct {
	mu       sync.Mutex
	states   map[string]domain.ProtectionState
	filePath string
	log      *slog.Logger
	now      func() time.Time

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Alert
}

// NewNotifier creates a Notifier, loading persisted state from filePath.
// An empty filePath disables persistence.
func NewNotifier(filePath string, log *slog.Logger) *Notifier {
	n := &Notifier{
		states:   make(map[string]domain.ProtectionState),
		filePath: filePath,
		log:      log,
		now:      time.Now,
		subs:     make(map[int]chan Alert),
	}
	n.load()
	return n
}

// Observe records the current state of symbol and emits an alert if it
// newly entered or left the degraded state. It reports whether an alert was
// emitted.
func (n *Notifier) Observe(symbol string, state domain.ProtectionState, reason string) bool {
	n.mu.Lock()
	prev := n.states[symbol]
	n.states[symbol] = state
	emit := (state == domain.ProtectionDegraded) != (prev == domain.ProtectionDegraded)
	if emit {
		n.flush()
	}
	n.mu.Unlock()

	if !emit {
		return false
	}

	a := Alert{Symbol: symbol, State: state, Previous: prev, Reason: reason, Time: n.now()}
	if a.Recovered() {
		n.log.Info("protection restored", "symbol", symbol, "state", state)
	} else {
		n.log.Error("protection degraded", "symbol", symbol, "reason", reason)
	}
	n.broadcast(a)
	return true
}

// Forget drops tracking for a symbol whose position has closed.
func (n *Notifier) Forget(symbol string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.states[symbol]; !ok {
		return
	}
	delete(n.states, symbol)
	n.flush()
}

// Degraded returns the symbols currently known to be degraded, sorted.
func (n *Notifier) Degraded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for sym, st := range n.states {
		if st == domain.ProtectionDegraded {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel that receives alerts. bufSize controls the
// channel buffer; slow consumers will have alerts dropped.
func (n *Notifier) Subscribe(bufSize int) (int, <-chan Alert) {
	ch := make(chan Alert, bufSize)
	n.subsMu.Lock()
	id := n.nextSubID
	n.nextSubID++
	n.subs[id] = ch
	n.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id int) {
	n.subsMu.Lock()
	if ch, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(ch)
	}
	n.subsMu.Unlock()
}

// broadcast sends an alert to all subscribers non-blocking (drop on full).
func (n *Notifier) broadcast(a Alert) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- a:
		default:
			n.log.Warn("alert subscriber full, dropping", "symbol", a.Symbol)
		}
	}
}

// load reads the JSON state file into memory.
func (n *Notifier) load() {
	if n.filePath == "" {
		return
	}
	data, err := os.ReadFile(n.filePath)
	if err != nil {
		return
	}
	var loaded map[string]domain.ProtectionState
	if err := json.Unmarshal(data, &loaded); err != nil {
		n.log.Warn("loading alert state file", "error", err)
		return
	}
	n.states = loaded
	n.log.Info("loaded alert state", "symbols", len(loaded))
}

// flush writes the state map to disk. Must be called with mu held.
func (n *Notifier) flush() {
	if n.filePath == "" {
		return
	}
	data, err := json.Marshal(n.states)
	if err != nil {
		n.log.Error("marshalling alert state", "error", err)
		return
	}
	if err := os.WriteFile(n.filePath, data, 0644); err != nil {
		n.log.Error("writing alert state file", "error", err)
	}
}
