package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_stages_completed_total",
			Help:      "Pipeline stages completed",
		},
		[]string{"stage"},
	)
	stageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_stage_failures_total",
			Help:      "Pipeline stage failures by error class",
		},
		[]string{"stage", "class"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "captiond",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall time per pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"stage"},
	)
	recordingsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_recordings_discovered_total",
			Help:      "Recordings found by volume scans",
		},
		[]string{"volume"},
	)
	uploadsDone = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_uploads_total",
			Help:      "VODs created on the platform",
		},
	)
	orphanRisks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_orphan_risk_total",
			Help:      "Uploads whose outcome is unknown and may have orphaned a VOD",
		},
	)
	sidecarsPlaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_sidecars_placed_total",
			Help:      "SCC sidecars placed next to source recordings",
		},
	)
	captionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "captiond",
			Name:      "pipeline_caption_checks_total",
			Help:      "Caption sidecar checks by result",
		},
		[]string{"status"},
	)
)
