package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ozanglive"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	streamStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "starts_total",
			Help:      "Number of successful stream starts by trigger reason.",
		}, []string{"reason"},
	)
	streamStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "start_failures_total",
			Help:      "Number of stream starts that failed.",
		}, []string{"reason"},
	)
	streamStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "stops_total",
			Help:      "Number of effective stream stops by reason.",
		}, []string{"reason"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by result.",
		}, []string{"result"},
	)
	givenUp = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "given_up_total",
			Help:      "Streams whose reconnect ceiling was reached.",
		},
	)
	platformPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "polls_total",
			Help:      "Platform status polls by result.",
		}, []string{"result"},
	)
	quotaCooldowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "quota_cooldowns_total",
			Help:      "Number of times the platform quota cooldown was entered.",
		},
	)
	delayedActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delayed",
			Name:      "actions_total",
			Help:      "Delayed visibility actions by outcome.",
		}, []string{"outcome"},
	)
	monitored = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "streams",
			Help:      "Streams currently tracked per component.",
		}, []string{"component"},
	)
	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep or tick per component.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		streamStarts, streamStartFailures, streamStops, reconnects, givenUp,
		platformPolls, quotaCooldowns, delayedActions, monitored, sweepDuration,
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

// The helpers below no-op until Register succeeded.

func IncStart(reason string) {
	if regOK.Load() {
		streamStarts.WithLabelValues(reason).Inc()
	}
}

func IncStartFailure(reason string) {
	if regOK.Load() {
		streamStartFailures.WithLabelValues(reason).Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		streamStops.WithLabelValues(reason).Inc()
	}
}

func IncReconnect(ok bool) {
	if regOK.Load() {
		reconnects.WithLabelValues(result(ok)).Inc()
	}
}

func IncGivenUp() {
	if regOK.Load() {
		givenUp.Inc()
	}
}

// IncPoll counts a platform poll; result is a stream.Kind name or "ok".
func IncPoll(result string) {
	if regOK.Load() {
		platformPolls.WithLabelValues(result).Inc()
	}
}

func IncQuotaCooldown() {
	if regOK.Load() {
		quotaCooldowns.Inc()
	}
}

func IncDelayedAction(outcome string) {
	if regOK.Load() {
		delayedActions.WithLabelValues(outcome).Inc()
	}
}

func SetMonitored(component string, n int) {
	if regOK.Load() {
		monitored.WithLabelValues(component).Set(float64(n))
	}
}

func ObserveSweep(component string, seconds float64) {
	if regOK.Load() {
		sweepDuration.WithLabelValues(component).Observe(seconds)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
