package health

import (
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/monitor/internal/metrics"
)

func TestCheckerReadyConditions(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 5*time.Second)

	now := time.Unix(1000, 0).UTC()
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready before the control port listens")
	}
	if len(reasons) != 1 || reasons[0] != "control port not listening" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap := store.Snapshot()
	if snap.Ready || snap.ReadyTransitions != 0 || snap.NotReadyTransitions != 0 {
		t.Fatalf("unexpected initial readiness snapshot %+v", snap)
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryTransportPending, severityInfo) {
		t.Fatalf("expected TRANSPORT_PENDING category, got %+v", snap.ReadyCategories)
	}

	checker.ObserveListener("127.0.0.1:7878")
	ready, _ = checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready once listening")
	}
	snap = store.Snapshot()
	if !snap.Ready || snap.ReadyReason != "" || snap.ReadyTransitions != 1 {
		t.Fatalf("unexpected snapshot after recovery %+v", snap)
	}

	// Every permit in use flips readiness.
	probes := store.ProbeRecorder()
	probes.ObserveCapacity(2)
	probes.ObserveInFlight(2)
	ready, reasons = checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready when limiter saturated")
	}
	if !strings.Contains(reasons[0], "probe limiter saturated (2/2)") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap = store.Snapshot()
	if snap.NotReadyTransitions != 1 {
		t.Fatalf("expected one degradation, got %+v", snap)
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryLimiterSaturated, severityWarning) {
		t.Fatalf("expected LIMITER_SATURATED category, got %+v", snap.ReadyCategories)
	}

	probes.ObserveInFlight(1)
	if ready, reasons = checker.Ready(now); !ready {
		t.Fatalf("expected ready after limiter drained, got %v", reasons)
	}
}

func TestCheckerStreamStaleness(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 2*time.Second)
	checker.ObserveListener("127.0.0.1:7878")

	now := time.Unix(1000, 0).UTC()
	checker.ObserveBroadcast(now)
	store.TransportRecorder().ObserveClients(1)

	if ready, reasons := checker.Ready(now.Add(time.Second)); !ready {
		t.Fatalf("expected ready with a fresh stream, got %v", reasons)
	}

	ready, reasons := checker.Ready(now.Add(10 * time.Second))
	if ready {
		t.Fatalf("expected not ready with a stale stream")
	}
	if reasons[0] != "snapshot stream stale (10s)" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	if !containsCategoryWithSeverity(store.Snapshot().ReadyCategories, categoryStreamStale, severityWarning) {
		t.Fatalf("expected STREAM_STALE category")
	}

	// Without clients nothing is expected on the stream.
	store.TransportRecorder().ObserveClients(0)
	if ready, reasons := checker.Ready(now.Add(10 * time.Second)); !ready {
		t.Fatalf("expected ready without clients, got %v", reasons)
	}
}

func TestCheckerWithoutStore(t *testing.T) {
	checker := NewChecker(nil, 0)
	checker.ObserveListener("127.0.0.1:0")
	if ready, reasons := checker.Ready(time.Now()); !ready {
		t.Fatalf("expected ready, got %v", reasons)
	}
}

func containsCategoryWithSeverity(categories []metrics.ReadinessCategory, name, severity string) bool {
	for _, cat := range categories {
		if cat.Name == name && cat.Severity == severity {
			return true
		}
	}
	return false
}
