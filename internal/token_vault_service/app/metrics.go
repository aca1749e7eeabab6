package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRefreshCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token_vault",
			Name:      "refreshes_total",
			Help:      "Token refresh attempts by provider and result.",
		},
		[]string{"provider", "result"}, // result: success, revoked, transient
	)

	credentialRevocationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token_vault",
			Name:      "revocations_total",
			Help:      "Credentials revoked, by provider and cause.",
		},
		[]string{"provider", "cause"}, // cause: user, provider
	)
)
