package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "gateway_calls_total",
			Help:      "Total model calls per tier and outcome",
		},
		[]string{"tier", "status"}, // status: success, error, rejected
	)

	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "gateway_fallbacks_total",
			Help:      "Cascade fallbacks triggered, labelled by the tier that failed",
		},
		[]string{"tier"},
	)

	callLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of model calls per tier",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"tier"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "gateway_tokens_total",
			Help:      "Tokens consumed per tier and direction",
		},
		[]string{"tier", "direction"},
	)
)
