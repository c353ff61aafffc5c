// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Events counts inbound websocket events by type.
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_events_total",
			Help: "Inbound websocket events by type",
		},
		[]string{"event"},
	)

	// Answers counts tournament answers by outcome (registered, updated or a rejection reason).
	Answers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_answers_total",
			Help: "Tournament answers by outcome",
		},
		[]string{"result"},
	)

	// TimerExpiries counts scoring checkpoints and quiz countdown expiries.
	TimerExpiries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_timer_expiries_total",
			Help: "Timer expiries by kind",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks live sessions held in memory.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livequiz_active_sessions",
			Help: "Sessions currently held in memory",
		},
		[]string{"kind"},
	)

	// PersistenceFailures counts write-behind jobs that exhausted their retries.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequiz_persistence_failures_total",
			Help: "Persistence jobs that failed after all retries",
		},
		[]string{"job"},
	)

	// PersistenceDropped counts jobs refused because the queue was full.
	PersistenceDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livequiz_persistence_dropped_total",
			Help: "Persistence jobs dropped on a full queue",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
