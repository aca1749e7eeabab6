package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "followup_scheduler",
			Name:      "transitions_total",
			Help:      "State transitions applied by the scheduler.",
		},
		[]string{"transition"},
	)

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "followup_scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one scheduler pass including dispatch fan-out.",
		Buckets:   prometheus.DefBuckets,
	})
)
