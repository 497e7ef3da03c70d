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

	syncChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "sync",
			Name:      "checks_total",
			Help:      "Number of remote change checks by result (ok, error).",
		}, []string{"result"},
	)
	syncUpdatesAvailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "sync",
			Name:      "updates_available_total",
			Help:      "Number of divergence episodes reported to listeners.",
		},
	)
	syncApply = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "sync",
			Name:      "apply_total",
			Help:      "Number of update applications by final stage and result.",
		}, []string{"stage", "result"},
	)
	syncBehind = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opsgate",
			Subsystem: "sync",
			Name:      "behind_commits",
			Help:      "Commits the working copy was behind its upstream at the last successful check.",
		},
	)

	sessionBegins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "session",
			Name:      "begins_total",
			Help:      "Number of confirmation sessions opened.",
		}, []string{"action"},
	)
	sessionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "session",
			Name:      "rejections_total",
			Help:      "Number of session requests rejected (cooldown, active).",
		}, []string{"action", "reason"},
	)
	sessionResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "session",
			Name:      "resolutions_total",
			Help:      "Number of sessions leaving pending, by outcome.",
		}, []string{"action", "outcome"},
	)
	sessionPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "opsgate",
			Subsystem: "session",
			Name:      "pending",
			Help:      "Pending sessions per action (0 or 1).",
		}, []string{"action"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		syncChecks, syncUpdatesAvailable, syncApply, syncBehind,
		sessionBegins, sessionRejections, sessionResolutions, sessionPending,
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSyncCheck(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		syncChecks.WithLabelValues(result).Inc()
	}
}

func IncUpdateAvailable() {
	if regOK.Load() {
		syncUpdatesAvailable.Inc()
	}
}

func IncApply(stage string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		syncApply.WithLabelValues(stage, result).Inc()
	}
}

func SetBehind(n int) {
	if regOK.Load() {
		syncBehind.Set(float64(n))
	}
}

func IncSessionBegin(action string) {
	if regOK.Load() {
		sessionBegins.WithLabelValues(action).Inc()
		sessionPending.WithLabelValues(action).Set(1)
	}
}

func IncSessionRejection(action, reason string) {
	if regOK.Load() {
		sessionRejections.WithLabelValues(action, reason).Inc()
	}
}

func IncSessionResolution(action, outcome string) {
	if regOK.Load() {
		sessionResolutions.WithLabelValues(action, outcome).Inc()
		sessionPending.WithLabelValues(action).Set(0)
	}
}
