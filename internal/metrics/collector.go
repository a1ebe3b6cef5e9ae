// Package metrics provides Prometheus metrics for procbridge.
//
// Collectors are created per Collector instance and registered on an
// injected registry, so tests and embedded bridges never collide on the
// global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procbridge"

// Collector records invocation and scheduler metrics.
type Collector struct {
	registry prometheus.Gatherer

	invocations     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	rejected        *prometheus.CounterVec
	schedulerRuns   *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector and registers it on registry.
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry: registry,

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Completed worker invocations by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Wall time from spawn to classified outcome",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"action"},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invocations_in_flight",
				Help:      "Worker processes currently running",
			},
		),

		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_rejected_total",
				Help:      "API requests refused before invocation",
			},
			[]string{"reason"},
		),

		schedulerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Scheduler ticks by result (ok, failed, skipped)",
			},
			[]string{"result"},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published on the hub",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		c.invocations,
		c.duration,
		c.inFlight,
		c.rejected,
		c.schedulerRuns,
		c.eventsPublished,
	)
	return c
}

// InvocationStarted marks a worker as running.
func (c *Collector) InvocationStarted(action string) {
	c.inFlight.Inc()
}

// InvocationFinished records a delivered outcome.
func (c *Collector) InvocationFinished(action, outcome string, d time.Duration) {
	c.inFlight.Dec()
	c.invocations.WithLabelValues(action, outcome).Inc()
	c.duration.WithLabelValues(action).Observe(d.Seconds())
}

// Rejected counts API requests refused before reaching the bridge
// (unauthorized, forbidden, rate_limited, bad_request).
func (c *Collector) Rejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

// SchedulerRun counts one scheduler tick.
func (c *Collector) SchedulerRun(result string) {
	c.schedulerRuns.WithLabelValues(result).Inc()
}

// EventPublished counts one hub event.
func (c *Collector) EventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
