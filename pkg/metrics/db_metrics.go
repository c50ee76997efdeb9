package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool metrics, labelled by configuration name
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"config"},
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"config"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_in_use_conns",
			Help: "Number of connections currently acquired from the pool.",
		},
		[]string{"config"},
	)
	DBPoolInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_in_flight_leases",
			Help: "Number of leases borrowed through the registry and not yet released.",
		},
		[]string{"config"},
	)
	DBPoolHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_healthy",
			Help: "1 when the pool is marked healthy, 0 otherwise.",
		},
		[]string{"config"},
	)
)

// Borrow path metrics
var (
	DBBorrowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_pool_borrows_total",
			Help: "Total number of borrow attempts by outcome.",
		},
		[]string{"config", "outcome"}, // outcome: "ok", "unavailable", "breaker_open", "timeout", "error"
	)

	DBAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settingdb_pool_acquire_duration_seconds",
			Help:    "Time spent acquiring a connection from a pool.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"config"},
	)

	DBSlowAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_pool_slow_acquires_total",
			Help: "Total number of acquisitions slower than the slow acquire threshold.",
		},
		[]string{"config"},
	)

	DBCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_pool_circuit_breaker_state",
			Help: "State of the pool circuit breaker (0=closed, 1=half-open, 2=open).",
		},
		[]string{"config"},
	)

	DBPoolDrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_pool_drains_total",
			Help: "Total number of drained pools by how the drain finished.",
		},
		[]string{"result"}, // "clean", "forced"
	)
)

// ForgetPool removes the per-config series of a closed pool.
func ForgetPool(config string) {
	DBPoolTotalConns.DeleteLabelValues(config)
	DBPoolIdleConns.DeleteLabelValues(config)
	DBPoolInUseConns.DeleteLabelValues(config)
	DBPoolInFlight.DeleteLabelValues(config)
	DBPoolHealthy.DeleteLabelValues(config)
	DBCircuitBreakerState.DeleteLabelValues(config)
}
