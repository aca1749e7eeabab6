package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch attempts by provider and result.",
		},
		[]string{"provider", "result"}, // result: sent, retry_scheduled, failed, deferred_quota, skipped
	)

	quotaDenialsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "quota_denials_total",
			Help:      "Dispatches deferred because the per-credential quota was full.",
		},
		[]string{"provider"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end duration of one dispatch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	credentialFailOpenCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "credential_fail_open_records_total",
			Help:      "Open records failed because their credential was revoked.",
		},
		[]string{"provider"},
	)
)
