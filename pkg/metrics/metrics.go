// Package metrics exports session lifecycle counters to prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tecu23/arena-server/pkg/events"
)

var (
	liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Name:      "live_sessions",
		Help:      "Number of game sessions held in memory.",
	})

	gamesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "games_started_total",
		Help:      "Games whose clock started.",
	})

	movesPlayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "moves_total",
		Help:      "Accepted moves.",
	})

	gamesOver = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "games_over_total",
		Help:      "Finished games by reason.",
	}, []string{"reason"})

	finalizeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "finalize_failures_total",
		Help:      "Games whose result could not be persisted.",
	})
)

func init() {
	prometheus.MustRegister(liveSessions)
	prometheus.MustRegister(gamesStarted)
	prometheus.MustRegister(movesPlayed)
	prometheus.MustRegister(gamesOver)
	prometheus.MustRegister(finalizeFailures)
}

// Subscribe feeds the collectors from pub
func Subscribe(pub *events.Publisher) {
	pub.SubscribeAll(Observe)
}

// Observe updates the collectors for one event
func Observe(e events.Event) {
	switch e.Type {
	case events.EventSessionCreated:
		liveSessions.Inc()
	case events.EventSessionEvicted:
		liveSessions.Dec()
	case events.EventGameStarted:
		gamesStarted.Inc()
	case events.EventMovePlayed:
		movesPlayed.Inc()
	case events.EventGameOver:
		reason := "unknown"
		if p, ok := e.Payload.(events.GameOverPayload); ok && p.Reason != "" {
			reason = p.Reason
		}
		gamesOver.WithLabelValues(reason).Inc()
	case events.EventFinalizeFailed:
		finalizeFailures.Inc()
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
