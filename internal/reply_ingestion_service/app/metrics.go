package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repliesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reply_ingestion",
			Name:      "replies_total",
			Help:      "Reply events processed, by result.",
		},
		[]string{"result"},
	)

	responsesByTypeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reply_ingestion",
			Name:      "responses_total",
			Help:      "Records marked responded, by classified response type.",
		},
		[]string{"response_type"},
	)
)
