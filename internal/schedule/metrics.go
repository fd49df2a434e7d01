package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	firings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "schedule_firings_total",
			Help:      "Cron entries fired into the queue",
		},
		[]string{"entry"},
	)
	firingsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "schedule_firings_skipped_total",
			Help:      "Missed firings outside the catch-up window",
		},
		[]string{"entry"},
	)
	firingsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "schedule_firings_suppressed_total",
			Help:      "Firings suppressed because the previous run is still active",
		},
		[]string{"entry"},
	)
)
