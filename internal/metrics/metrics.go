// Package metrics defines the Prometheus collectors exported by the optimizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_records_ingested_total",
			Help: "Raw records processed by the normalizer",
		},
		[]string{"provider", "kind", "outcome"}, // kind: cost/utilization, outcome: accepted/rejected
	)

	// Forecast metrics
	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_forecast_runs_total",
			Help: "Forecast computations by outcome",
		},
		[]string{"outcome"},
	)

	ForecastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optimizer_forecast_duration_seconds",
			Help:    "Forecast computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)

	ForecastCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_forecast_cache_total",
			Help: "Forecast cache lookups",
		},
		[]string{"result"}, // hit/miss
	)

	// Anomaly metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_anomalies_detected_total",
			Help: "Anomalous cost points by severity",
		},
		[]string{"severity"},
	)

	// Recommendation metrics
	RecommendationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_recommendation_transitions_total",
			Help: "Recommendation lifecycle transitions",
		},
		[]string{"type", "action"},
	)

	// Alerting metrics
	BudgetAlertsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optimizer_budget_alerts_active",
			Help: "Active budget alerts by level",
		},
		[]string{"level"},
	)

	// Cycle metrics
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optimizer_cycle_duration_seconds",
			Help:    "Evaluation cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)

	CycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_cycle_errors_total",
			Help: "Per-unit errors during evaluation cycles by kind",
		},
		[]string{"stage", "kind"},
	)

	// Collector metrics
	CollectorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimizer_collector_requests_total",
			Help: "Billing API requests issued by collectors",
		},
		[]string{"provider", "status"},
	)
)
