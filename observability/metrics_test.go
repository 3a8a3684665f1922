package observability

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTWAMMSettlementMetrics(t *testing.T) {
	m := TWAMM()
	m.ObserveSettlement("metrics-pool", "", 10*time.Millisecond)
	m.ObserveSettlement("metrics-pool", "too_soon", time.Millisecond)
	m.ObserveSettlement("metrics-pool", "too_soon", time.Millisecond)

	if got := testutil.ToFloat64(m.settlements.WithLabelValues("metrics-pool", "success", "none")); got != 1 {
		t.Fatalf("expected one successful settlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("metrics-pool", "failure", "too_soon")); got != 2 {
		t.Fatalf("expected two failed settlements, got %v", got)
	}

	m.RecordVolume("metrics-pool", "a_to_b", uint256.NewInt(1_500))
	m.RecordVolume("metrics-pool", "a_to_b", new(uint256.Int))
	if got := testutil.ToFloat64(m.volume.WithLabelValues("metrics-pool", "a_to_b")); got != 1_500 {
		t.Fatalf("unexpected volume %v", got)
	}

	m.SetActiveOrders(" ", "b_to_a", 3)
	if got := testutil.ToFloat64(m.active.WithLabelValues("unknown", "b_to_a")); got != 3 {
		t.Fatalf("unexpected active gauge %v", got)
	}

	m.RecordTransfer("fee", "in")
	if got := testutil.ToFloat64(m.transfers.WithLabelValues("FEE", "in")); got != 1 {
		t.Fatalf("unexpected transfer count %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("metrics-test", "GET /v1/pools", 200, time.Millisecond)
	m.Observe("metrics-test", "GET /v1/pools", 404, time.Millisecond)
	m.RecordThrottle("metrics-test", "")

	if got := testutil.ToFloat64(m.requests.WithLabelValues("metrics-test", "GET /v1/pools", "error")); got != 1 {
		t.Fatalf("unexpected error request count %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("metrics-test", "GET /v1/pools", "404")); got != 1 {
		t.Fatalf("unexpected error count %v", got)
	}
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("metrics-test", "unspecified")); got != 1 {
		t.Fatalf("unexpected throttle count %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *TWAMMMetrics
	m.ObserveSettlement("p", "", time.Second)
	m.RecordLeg("p", 10, 90)
	m.RecordOrderEvent("p", "submitted")
	if uintToFloat(nil) != 0 {
		t.Fatalf("nil amount should convert to zero")
	}
}
