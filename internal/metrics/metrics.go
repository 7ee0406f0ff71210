// Package metrics exposes Prometheus metrics for the protection engine.
//
// Metrics updated during operation:
//   - bracketguard_verifications_total            verifier passes
//   - bracketguard_repairs_total{outcome}         repairs (repaired|failed)
//   - bracketguard_protection_state{symbol,state} one-hot protection state per symbol
//   - bracketguard_entries_total{outcome}         entries (filled|timed_out|canceled|rejected)
//   - bracketguard_adjustments_total{outcome}     bracket extensions
//   - bracketguard_partial_exits_total{outcome}   partial exits
//   - bracketguard_broker_errors_total{kind}      broker failures by taxonomy kind
//   - bracketguard_audit_dropped_total            audit records dropped on overflow
//
// They are registered with the default registry in init() and served at
// /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"bracketguard/internal/domain"
)

var (
	verifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracketguard_verifications_total",
			Help: "Protection verifier passes completed",
		},
	)

	repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketguard_repairs_total",
			Help: "Protection repairs by outcome",
		},
		[]string{"outcome"},
	)

	protectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bracketguard_protection_state",
			Help: "Protection state per symbol (one labeled series per state set to 1).",
		},
		[]string{"symbol", "state"},
	)

	entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketguard_entries_total",
			Help: "Entry executions by outcome",
		},
		[]string{"outcome"},
	)

	adjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketguard_adjustments_total",
			Help: "Bracket adjustments by outcome",
		},
		[]string{"outcome"},
	)

	partialExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketguard_partial_exits_total",
			Help: "Partial exits by outcome",
		},
		[]string{"outcome"},
	)

	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketguard_broker_errors_total",
			Help: "Broker failures by error kind",
		},
		[]string{"kind"},
	)

	auditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracketguard_audit_dropped_total",
			Help: "Audit records dropped because the recorder buffer was full",
		},
	)
)

var allStates = []domain.ProtectionState{
	domain.ProtectionUnprotected,
	domain.ProtectionProtected,
	domain.ProtectionRepairing,
	domain.ProtectionDegraded,
}

func init() {
	prometheus.MustRegister(verifications, repairs, protectionState)
	prometheus.MustRegister(entries, adjustments, partialExits)
	prometheus.MustRegister(brokerErrors, auditDropped)
}

func IncVerifications()              { verifications.Inc() }
func IncRepairs(outcome string)      { repairs.WithLabelValues(outcome).Inc() }
func IncEntries(outcome string)      { entries.WithLabelValues(outcome).Inc() }
func IncAdjustments(outcome string)  { adjustments.WithLabelValues(outcome).Inc() }
func IncPartialExits(outcome string) { partialExits.WithLabelValues(outcome).Inc() }
func IncBrokerErrors(kind string)    { brokerErrors.WithLabelValues(kind).Inc() }
func IncAuditDropped()               { auditDropped.Inc() }

// SetProtectionState flips the per-symbol state series so exactly one of
// them reads 1.
func SetProtectionState(symbol string, state domain.ProtectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		protectionState.WithLabelValues(symbol, string(s)).Set(v)
	}
}

// ClearSymbol drops the state series of a closed position.
func ClearSymbol(symbol string) {
	for _, s := range allStates {
		protectionState.DeleteLabelValues(symbol, string(s))
	}
}
