package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_sync_jobs_total",
			Help: "Job state transitions by kind and event",
		},
		[]string{"kind", "event"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "property_sync_job_duration_seconds",
			Help:    "Handler run time per attempt",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"kind", "outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "property_sync_queue_depth",
			Help: "Jobs per kind and state",
		},
		[]string{"kind", "state"},
	)
)
