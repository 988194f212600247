package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "embed_calls_total",
			Help:      "Total embedding API calls",
		},
		[]string{"status"},
	)

	embedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "embed_duration_seconds",
			Help:      "Duration of embedding API calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	rerankCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "rerank_calls_total",
			Help:      "Total cross-encoder rerank calls",
		},
		[]string{"provider", "model", "status"},
	)

	rerankDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "rerank_duration_seconds",
			Help:      "Duration of cross-encoder rerank calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	rerankDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "rerank_documents_total",
			Help:      "Total documents scored by the cross-encoder",
		},
		[]string{"provider", "model"},
	)
)
