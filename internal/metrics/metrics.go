package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aiengine"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "status_transitions_total",
			Help:      "Number of engine status transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "current_state",
			Help:      "Current engine state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "restarts_total",
			Help:      "Number of restart attempts after a worker crash.",
		},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "spawns_total",
			Help:      "Number of worker spawn attempts by result.",
		}, []string{"result"},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the worker reported ready.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health probes by result.",
		}, []string{"result"},
	)
	healthDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Round trip time of health probes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Number of JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"},
	)
	rpcPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	rpcNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "notifications_total",
			Help:      "Notifications by direction.",
		}, []string{"direction"},
	)
	rpcDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "decode_errors_total",
			Help:      "Inbound lines that could not be decoded.",
		},
	)
	rpcOrphans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "orphan_responses_total",
			Help:      "Responses whose id matched no pending request.",
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
		stateTransitions, currentState, restarts, spawns, startupDuration,
		healthChecks, healthDuration,
		rpcRequests, rpcDuration, rpcPending, rpcNotifications, rpcDecodeErrors, rpcOrphans,
		workerCPU, workerRSS, workerThreads, workerFDs,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered collectors are kept
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

// Registered reports whether Register has succeeded.
func Registered() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as the active one among all.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func IncSpawn(ok bool) {
	if regOK.Load() {
		spawns.WithLabelValues(result(ok)).Inc()
	}
}

func ObserveStartup(seconds float64) {
	if regOK.Load() {
		startupDuration.Observe(seconds)
	}
}

func ObserveHealthCheck(healthy bool, seconds float64) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result(healthy)).Inc()
		healthDuration.Observe(seconds)
	}
}

// ObserveRequest records one request; outcome is ok, rpc_error, timeout,
// closed or canceled.
func ObserveRequest(method, outcome string, seconds float64) {
	if regOK.Load() {
		rpcRequests.WithLabelValues(method, outcome).Inc()
		rpcDuration.WithLabelValues(method).Observe(seconds)
	}
}

func SetPending(n int) {
	if regOK.Load() {
		rpcPending.Set(float64(n))
	}
}

func IncNotification(direction string) {
	if regOK.Load() {
		rpcNotifications.WithLabelValues(direction).Inc()
	}
}

func IncDecodeError() {
	if regOK.Load() {
		rpcDecodeErrors.Inc()
	}
}

func IncOrphanResponse() {
	if regOK.Load() {
		rpcOrphans.Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
