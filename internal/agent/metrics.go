package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and outcome",
		},
		[]string{"tool", "status"},
	)

	stepsPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "agent_steps_per_run",
			Help:      "Reasoning steps taken per query",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	forcedSummariesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "agent_forced_summaries_total",
			Help:      "Runs that hit the step limit and forced a summary answer",
		},
	)

	earlyExitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "agent_early_exits_total",
			Help:      "Runs short-circuited after a sufficient document search result",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "agent_verifications_total",
			Help:      "Draft answer verifications by outcome",
		},
		[]string{"outcome"},
	)
)
