package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_admissions_total",
			Help: "Total number of schedule entry admission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_lock_acquisitions_total",
			Help: "Total number of asset lock acquisition attempts by outcome.",
		},
		[]string{"outcome"},
	)

	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_lock_contention_total",
			Help: "Total number of asset lock contention events by holder.",
		},
		[]string{"holder"},
	)

	LockExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "praxis_lock_expirations_total",
			Help: "Total number of expired asset locks reclaimed.",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_runs_total",
			Help: "Total number of protocol runs by terminal status.",
		},
		[]string{"status"},
	)

	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "praxis_run_duration_seconds",
			Help:    "Duration of protocol runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_steps_total",
			Help: "Total number of protocol steps dispatched by status.",
		},
		[]string{"status"},
	)

	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "praxis_step_duration_seconds",
			Help:    "Duration of protocol steps in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "praxis_runs_active",
			Help: "Number of currently executing protocol runs.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "praxis_queue_depth",
			Help: "Number of admitted entries waiting on the task queue.",
		},
	)

	ReaperReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "praxis_reaper_reclaims_total",
			Help: "Total number of expired locks and reservations reclaimed by the reaper.",
		},
		[]string{"kind"},
	)

	QuarantinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "praxis_asset_quarantines_total",
			Help: "Total number of assets quarantined after invariant violations.",
		},
	)
)

// Register registers all custom praxis metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		AdmissionsTotal,
		LockAcquisitionsTotal,
		LockContentionTotal,
		LockExpirationsTotal,
		RunsTotal,
		RunDurationSeconds,
		StepsTotal,
		StepDurationSeconds,
		RunsActive,
		QueueDepth,
		ReaperReclaimsTotal,
		QuarantinesTotal,
	)
}
