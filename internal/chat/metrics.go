package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "chat",
		Name:      "queries_total",
		Help:      "Conversational turns handled, by outcome.",
	}, []string{"status"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "helmsman",
		Subsystem: "chat",
		Name:      "query_duration_seconds",
		Help:      "End-to-end latency of one conversational turn.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	activeQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helmsman",
		Subsystem: "chat",
		Name:      "active_queries",
		Help:      "Turns currently being processed.",
	})
)
