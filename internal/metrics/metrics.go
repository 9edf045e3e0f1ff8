// Package metrics provides Prometheus instrumentation for the call engine.
// It exposes gauges for connections, queue depth and live sessions, counters
// for decisions, outcomes and signaling traffic, and a histogram for match
// wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callengine_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the number of identities waiting for a partner.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callengine_queue_size",
		Help: "Current number of identities in the matchmaking queue",
	})

	// MatchWait records the time from joining the queue to being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callengine_match_wait_seconds",
		Help:    "Time from queue entry to match",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// SessionsActive tracks call sessions that have not completed yet.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callengine_sessions_active",
		Help: "Current number of call sessions in active or deciding state",
	})

	// SessionsCreated counts call sessions created by the match finder.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callengine_sessions_created_total",
		Help: "Total number of call sessions created",
	})

	// Decisions counts accepted decision submissions by value.
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callengine_decisions_total",
		Help: "Total number of decisions recorded",
	}, []string{"decision"}) // yes | no | continue

	// Outcomes counts resolved rounds by outcome.
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callengine_outcomes_total",
		Help: "Total number of resolved call rounds",
	}, []string{"outcome"}) // matched | not_matched | rejected | extended

	// Signals counts relayed signaling messages by type.
	Signals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callengine_signals_total",
		Help: "Total number of signaling messages relayed",
	}, []string{"type"}) // offer | answer | ice-candidate

	// SweepForced counts records corrected by the maintenance sweep.
	SweepForced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callengine_sweep_forced_total",
		Help: "Total number of records force-resolved by the maintenance sweep",
	}, []string{"kind"}) // deciding | expired | queue
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		MatchWait,
		SessionsActive,
		SessionsCreated,
		Decisions,
		Outcomes,
		Signals,
		SweepForced,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
