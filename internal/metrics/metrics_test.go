package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bracketguard/internal/domain"
)

func TestSetProtectionStateOneHot(t *testing.T) {
	SetProtectionState("AAPL", domain.ProtectionDegraded)
	SetProtectionState("AAPL", domain.ProtectionProtected)

	if got := testutil.ToFloat64(protectionState.WithLabelValues("AAPL", "protected")); got != 1 {
		t.Errorf("protected series = %v, want 1", got)
	}
	if got := testutil.ToFloat64(protectionState.WithLabelValues("AAPL", "degraded")); got != 0 {
		t.Errorf("degraded series = %v, want 0", got)
	}

	ClearSymbol("AAPL")
	if n := testutil.CollectAndCount(protectionState); n != 0 {
		t.Errorf("series after ClearSymbol = %d, want 0", n)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(repairs.WithLabelValues("repaired"))
	IncRepairs("repaired")
	if got := testutil.ToFloat64(repairs.WithLabelValues("repaired")); got != before+1 {
		t.Errorf("repairs{repaired} = %v, want %v", got, before+1)
	}
}
