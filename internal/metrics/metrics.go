package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servermgr",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"name"},
	)
	serverStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servermgr",
			Subsystem: "server",
			Name:      "start_failures_total",
			Help:      "Number of starts that ended in the failed state.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servermgr",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"name"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servermgr",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn to readiness confirmation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servermgr",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStartFailures, serverStops, startDuration, stateTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving metrics from the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func Started(name string, d time.Duration) {
	serverStarts.WithLabelValues(name).Inc()
	startDuration.WithLabelValues(name).Observe(d.Seconds())
}

func StartFailed(name string) { serverStartFailures.WithLabelValues(name).Inc() }

func Stopped(name string) { serverStops.WithLabelValues(name).Inc() }

func StateTransition(name, from, to string) {
	stateTransitions.WithLabelValues(name, from, to).Inc()
}
