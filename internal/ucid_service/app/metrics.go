package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ucidsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ucid",
		Name:      "created_total",
		Help:      "UCIDs created.",
	})

	lawyersLinkedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ucid",
		Name:      "lawyers_linked_total",
		Help:      "Outreach records created by linking a lawyer to a case.",
	})

	lawyersSkippedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ucid",
			Name:      "lawyers_skipped_total",
			Help:      "Eligible lawyers not linked, by reason.",
		},
		[]string{"reason"},
	)

	eventsConsumedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ucid",
			Name:      "events_consumed_total",
			Help:      "Messages consumed, by subject kind and result.",
		},
		[]string{"kind", "result"},
	)
)
