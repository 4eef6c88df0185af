package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	childStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wl_restart",
			Name:      "child_starts_total",
			Help:      "Number of compositor incarnations spawned.",
		},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wl_restart",
			Name:      "child_exits_total",
			Help:      "Number of compositor terminations by classified outcome.",
		}, []string{"outcome"},
	)
	restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wl_restart",
			Name:      "restarts_total",
			Help:      "Number of relaunches after a terminated incarnation.",
		},
	)
	restartCounter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wl_restart",
			Name:      "restart_counter",
			Help:      "Current value of the crash budget counter.",
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wl_restart",
			Name:      "state",
			Help:      "Supervisor state (1 = current, 0 = not current).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{childStarts, childExits, restarts, restartCounter, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g, for callers that register with their own registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		childStarts.Inc()
	}
}

func IncExit(outcome string) {
	if regOK.Load() {
		childExits.WithLabelValues(outcome).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func SetRestartCounter(n int) {
	if regOK.Load() {
		restartCounter.Set(float64(n))
	}
}

func SetState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}
