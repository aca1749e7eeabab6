package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexreach/golang_services/internal/core_domain"
)

var providerRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "outreach",
		Name:      "provider_request_duration_seconds",
		Help:      "Duration of provider send calls.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"provider", "outcome"},
)

func outcomeLabel(err error) string {
	if err == nil {
		return "accepted"
	}
	if pe, ok := core_domain.AsProviderError(err); ok {
		return string(pe.Kind)
	}
	return "error"
}
