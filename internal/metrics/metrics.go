package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send results used as label values of batches_sent_total.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsTracked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "buffer",
			Name:      "events_tracked_total",
			Help:      "Number of events accepted by TrackEvent.",
		},
	)
	eventsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "buffer",
			Name:      "events_requeued_total",
			Help:      "Number of events returned to the pending queue after a failed send.",
		},
	)
	batchesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "buffer",
			Name:      "batches_sent_total",
			Help:      "Number of send attempts by result.",
		}, []string{"result"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beacon",
			Subsystem: "buffer",
			Name:      "send_duration_seconds",
			Help:      "Duration of send attempts by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"},
	)
	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "buffer",
			Name:      "pending_events",
			Help:      "Events waiting in the pending queue (in-flight batch excluded).",
		},
	)
	eventsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "storage",
			Name:      "events_persisted_total",
			Help:      "Number of events written to durable storage at shutdown.",
		},
	)
	eventsRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "storage",
			Name:      "events_restored_total",
			Help:      "Number of events loaded from durable storage at startup.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsTracked, eventsRequeued, batchesSent, sendDuration, pendingEvents, eventsPersisted, eventsRestored}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTracked() {
	if regOK.Load() {
		eventsTracked.Inc()
	}
}

func AddRequeued(n int) {
	if regOK.Load() {
		eventsRequeued.Add(float64(n))
	}
}

func ObserveSend(result string, seconds float64) {
	if regOK.Load() {
		batchesSent.WithLabelValues(result).Inc()
		sendDuration.WithLabelValues(result).Observe(seconds)
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingEvents.Set(float64(n))
	}
}

func AddPersisted(n int) {
	if regOK.Load() {
		eventsPersisted.Add(float64(n))
	}
}

func AddRestored(n int) {
	if regOK.Load() {
		eventsRestored.Add(float64(n))
	}
}
