package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failover controller metrics
var (
	FailoverState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settingdb_failover_state",
			Help: "Current failover state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)

	FailoverTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_failover_transitions_total",
			Help: "Total number of failover state transitions.",
		},
		[]string{"from", "to"},
	)

	UsingFallback = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settingdb_using_fallback",
			Help: "1 while requests are served by the fallback database.",
		},
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_health_checks_total",
			Help: "Total number of health ticks by target and result.",
		},
		[]string{"target", "result"}, // target: "primary", "fallback"; result: "ok", "failed", "skipped"
	)

	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_activations_total",
			Help: "Total number of configuration activations by result.",
		},
		[]string{"result"}, // "success" or an error kind
	)

	ActivationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settingdb_activation_duration_seconds",
			Help:    "Duration of configuration activations in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	RestartRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settingdb_restart_requests_total",
			Help: "Total number of restart requests.",
		},
	)
)

// Connection probe metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_probes_total",
			Help: "Total number of connection probes by config and result kind.",
		},
		[]string{"config", "result"}, // result: "ok" or an error kind
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settingdb_probe_duration_seconds",
			Help:    "Duration of connection probes in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"config"},
	)
)

// Config store metrics
var (
	ConfigStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settingdb_config_store_operations_total",
			Help: "Total number of config store operations.",
		},
		[]string{"operation", "status"}, // status: "success", "error"
	)
)
