package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "queue_jobs_enqueued_total",
			Help:      "Jobs accepted per queue",
		},
		[]string{"queue", "template"},
	)
	jobsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "queue_jobs_suppressed_total",
			Help:      "Enqueues suppressed because the fingerprint was already active",
		},
		[]string{"template"},
	)
	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "queue_jobs_completed_total",
			Help:      "Jobs reaching a terminal or retrying state",
		},
		[]string{"queue", "state"},
	)
	leasesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "queue_leases_reclaimed_total",
			Help:      "Expired leases reclaimed to retrying",
		},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "captiond",
			Name:      "queue_job_duration_seconds",
			Help:      "Handler execution time per template",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"template"},
	)
)
