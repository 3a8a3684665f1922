package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	twammOnce sync.Once
	twammReg  *TWAMMMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to record
// API handler activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "twamm",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// TWAMMMetrics captures settlement and order lifecycle metrics.
type TWAMMMetrics struct {
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	volume      *prometheus.CounterVec
	impact      *prometheus.HistogramVec
	quality     *prometheus.GaugeVec
	orders      *prometheus.CounterVec
	active      *prometheus.GaugeVec
	transfers   *prometheus.CounterVec
}

// TWAMM returns the singleton metrics registry for the order engine.
func TWAMM() *TWAMMMetrics {
	twammOnce.Do(func() {
		twammReg = &TWAMMMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "engine",
				Name:      "settlements_total",
				Help:      "Count of settlement attempts segmented by pool, outcome and reason.",
			}, []string{"pool", "outcome", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "twamm",
				Subsystem: "engine",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for settlement attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"pool"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "engine",
				Name:      "settled_volume_total",
				Help:      "Input volume consumed by settlements segmented by pool and direction.",
			}, []string{"pool", "direction"}),
			impact: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "twamm",
				Subsystem: "engine",
				Name:      "price_impact_bps",
				Help:      "Price impact of executed venue legs in basis points.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			}, []string{"pool"}),
			quality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "twamm",
				Subsystem: "engine",
				Name:      "execution_quality",
				Help:      "Execution quality score (0-100) of the latest successful settlement.",
			}, []string{"pool"}),
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "orders",
				Name:      "events_total",
				Help:      "Order lifecycle transitions segmented by pool and event.",
			}, []string{"pool", "event"}),
			active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "twamm",
				Subsystem: "orders",
				Name:      "active",
				Help:      "Active orders per pool and direction.",
			}, []string{"pool", "direction"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "twamm",
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Ledger transfers segmented by asset and direction.",
			}, []string{"asset", "direction"}),
		}
		prometheus.MustRegister(
			twammReg.settlements,
			twammReg.latency,
			twammReg.volume,
			twammReg.impact,
			twammReg.quality,
			twammReg.orders,
			twammReg.active,
			twammReg.transfers,
		)
	})
	return twammReg
}

// ObserveSettlement records one settlement attempt. An empty reason denotes
// success.
func (m *TWAMMMetrics) ObserveSettlement(pool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	pool = labelPool(pool)
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "failure"
	} else {
		reason = "none"
	}
	m.settlements.WithLabelValues(pool, outcome, reason).Inc()
	m.latency.WithLabelValues(pool).Observe(duration.Seconds())
}

// RecordVolume adds consumed input volume for a direction.
func (m *TWAMMMetrics) RecordVolume(pool, direction string, amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.volume.WithLabelValues(labelPool(pool), direction).Add(uintToFloat(amount))
}

// RecordLeg records the impact and quality of an executed venue leg.
func (m *TWAMMMetrics) RecordLeg(pool string, impactBps, quality uint64) {
	if m == nil {
		return
	}
	pool = labelPool(pool)
	m.impact.WithLabelValues(pool).Observe(float64(impactBps))
	m.quality.WithLabelValues(pool).Set(float64(quality))
}

// RecordOrderEvent counts an order lifecycle transition such as "submitted".
func (m *TWAMMMetrics) RecordOrderEvent(pool, event string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(labelPool(pool), event).Inc()
}

// SetActiveOrders updates the active order gauge for a pool direction.
func (m *TWAMMMetrics) SetActiveOrders(pool, direction string, count uint64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(labelPool(pool), direction).Set(float64(count))
}

// RecordTransfer counts a ledger movement; direction is "in" or "out".
func (m *TWAMMMetrics) RecordTransfer(asset, direction string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(labelAsset(asset), direction).Inc()
}

func labelPool(pool string) string {
	trimmed := strings.TrimSpace(pool)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func uintToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
