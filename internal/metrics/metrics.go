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

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of apps that reached the ready state.",
		}, []string{"app"},
	)
	appStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      "start_failures_total",
			Help:      "Start attempts that failed, by reason.",
		}, []string{"app", "reason"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of graceful stops.",
		}, []string{"app"},
	)
	appExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      "unexpected_exits_total",
			Help:      "Processes that exited without a stop request.",
		}, []string{"app"},
	)
	forceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "supervisor",
			Name:      "force_kills_total",
			Help:      "Forced terminations, by target (process or port).",
		}, []string{"target"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portswitch",
			Subsystem: "app",
			Name:      "ready_duration_seconds",
			Help:      "Time from launch until the readiness watch resolved.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app", "fallback"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "portswitch",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus, by type.",
		}, []string{"type"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portswitch",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped from full subscriber queues.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portswitch",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Currently attached log subscribers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		appStarts, appStartFailures, appStops, appExits, forceKills, readyDuration,
		stateTransitions, currentStates, eventsPublished, eventsDropped, subscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(app string) {
	if regOK.Load() {
		appStarts.WithLabelValues(app).Inc()
	}
}

func IncStartFailure(app, reason string) {
	if regOK.Load() {
		appStartFailures.WithLabelValues(app, reason).Inc()
	}
}

func IncStop(app string) {
	if regOK.Load() {
		appStops.WithLabelValues(app).Inc()
	}
}

func IncUnexpectedExit(app string) {
	if regOK.Load() {
		appExits.WithLabelValues(app).Inc()
	}
}

func IncForceKill(target string) {
	if regOK.Load() {
		forceKills.WithLabelValues(target).Inc()
	}
}

func ObserveReady(app string, seconds float64, fallback bool) {
	if regOK.Load() {
		fb := "false"
		if fallback {
			fb = "true"
		}
		readyDuration.WithLabelValues(app, fb).Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}

func IncEventsPublished(kind string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(kind).Inc()
	}
}

func IncEventsDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}
