package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics, served on /metrics next to the default collectors.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizparty",
		Name:      "sessions_active",
		Help:      "Live game sessions currently held by the registry.",
	})

	ResponsesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizparty",
		Name:      "responses_submitted_total",
		Help:      "Accepted player responses.",
	})

	RoundsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizparty",
		Name:      "rounds_closed_total",
		Help:      "Rounds closed, by deadline expiry or all players answering.",
	})

	LeaderboardDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizparty",
		Name:      "leaderboard_deltas_applied_total",
		Help:      "Finalize deltas applied to period buckets.",
	})
)
