// Package metrics exposes Prometheus instrumentation for the workflow
// engine, scraped from the /metrics endpoint of pf serve.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubJobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phonoflow_subjobs_dispatched_total",
		Help: "Force sub-jobs submitted to the compute engine.",
	})

	SubJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phonoflow_subjobs_completed_total",
		Help: "Force sub-jobs that finished successfully.",
	})

	SubJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phonoflow_subjobs_failed_total",
		Help: "Force sub-jobs that failed.",
	})

	IterationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phonoflow_iterations_completed_total",
		Help: "Workflow iterations that reached a fitted model.",
	})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phonoflow_runs_active",
		Help: "Runs currently iterating.",
	})

	IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "phonoflow_iteration_duration_seconds",
		Help:    "Wall time of one generate-dispatch-await-aggregate cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
