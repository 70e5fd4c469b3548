package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ArchiveCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_archive_calls_total",
			Help: "Total historical archive API calls",
		},
		[]string{"provider", "status"},
	)

	ArchiveLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempcast_archive_latency_seconds",
			Help:    "Historical archive API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_observations_ingested_total",
			Help: "Total observations newly stored",
		},
		[]string{"provider"},
	)

	ObservationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_observations_rejected_total",
			Help: "Observations dropped by validation",
		},
		[]string{"provider", "reason"},
	)

	TrainRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_train_runs_total",
			Help: "Training runs by horizon, published model and outcome",
		},
		[]string{"horizon", "model", "status"},
	)

	TrainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempcast_train_duration_seconds",
			Help:    "Wall time of a training run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"horizon"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_model_fallbacks_total",
			Help: "Preferred models that could not run and fell back to ETS",
		},
		[]string{"model", "reason"},
	)

	PredictionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_predictions_published_total",
			Help: "Prediction rows written by publishes",
		},
		[]string{"horizon"},
	)

	PredictionsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_predictions_purged_total",
			Help: "Prediction rows removed by retention",
		},
		[]string{"horizon"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempcast_jobs_total",
			Help: "Background jobs by kind and final state",
		},
		[]string{"kind", "state"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempcast_jobs_in_flight",
			Help: "Background jobs currently executing",
		},
	)

	SchedulerLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tempcast_scheduler_last_run_timestamp",
			Help: "Unix timestamp of last scheduled run",
		},
		[]string{"job"},
	)
)
