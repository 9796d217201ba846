package bulk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entitiesProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crmbulk_entities_processed_total",
		Help: "Entities whose outcome was recorded, by entity type and outcome.",
	},
	[]string{"entity_type", "outcome"},
)

var batchDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "crmbulk_batch_duration_seconds",
		Help:    "Time to process one batch of a bulk action.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	},
)

var actionsSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crmbulk_bulk_actions_submitted_total",
		Help: "Bulk actions accepted, by entity type and mode (immediate or scheduled).",
	},
	[]string{"entity_type", "mode"},
)
