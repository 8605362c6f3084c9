// Package metrics exports worker activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/dumpsys/internal/binder"
)

const namespace = "dumpsys"

// Metrics implements dumpsys.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	queued    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	dumps     *prometheus.CounterVec
	abandoned *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inflight  prometheus.Gauge
	pending   prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		queued: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_queued_total", Help: "dump tasks submitted to the worker"},
			[]string{"service"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_rejected_total", Help: "dump tasks turned away because the worker shut down"},
			[]string{"service"},
		),
		dumps: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "dumps_total", Help: "dumps completed by service and status"},
			[]string{"service", "status"},
		),
		abandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "dumps_abandoned_total", Help: "dumps skipped because the handle was not callable"},
			[]string{"service"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dump_duration_seconds",
				Help:      "time spent in the remote dump call",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"service"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "dumps_in_flight", Help: "dumps currently executing"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "tasks_pending", Help: "tasks queued but not yet started"},
		),
	}

	reg.MustRegister(m.queued, m.rejected, m.dumps, m.abandoned, m.duration, m.inflight, m.pending)
	return m
}

func (m *Metrics) TaskQueued(service string) {
	m.queued.WithLabelValues(service).Inc()
	m.pending.Inc()
}

func (m *Metrics) TaskRejected(service string) {
	m.rejected.WithLabelValues(service).Inc()
	m.pending.Dec()
}

func (m *Metrics) TaskStarted(string) {
	m.pending.Dec()
	m.inflight.Inc()
}

func (m *Metrics) TaskFinished(service string, code binder.StatusCode, abandoned bool, elapsed time.Duration) {
	m.inflight.Dec()
	if abandoned {
		m.abandoned.WithLabelValues(service).Inc()
		return
	}
	m.dumps.WithLabelValues(service, code.String()).Inc()
	m.duration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
