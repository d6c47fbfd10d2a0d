// Package metrics holds the Prometheus collectors shared by the worker,
// dispatcher and connection manager. All recorders are safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

type Metrics struct {
	reg *prometheus.Registry

	jobsEnqueued     *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	eventsDispatched *prometheus.CounterVec
	connections      prometheus.Gauge
	relayMessages    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		jobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue.",
		}, []string{"type", "priority"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached completed or failed.",
		}, []string{"type", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"type"}),
		eventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Dispatcher calls by event type and outcome.",
		}, []string{"event", "outcome"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live WebSocket connections on this process.",
		}),
		relayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Pub/sub relay traffic.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) JobEnqueued(jobType, priority string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType, priority).Inc()
}

func (m *Metrics) JobFinished(jobType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, status).Inc()
	if took > 0 {
		m.jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	}
}

func (m *Metrics) EventDispatched(event string, handled bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !handled {
		outcome = "failed"
	}
	m.eventsDispatched.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// RelayMessage counts pub/sub traffic; direction is "out", "in" or "echo".
func (m *Metrics) RelayMessage(direction string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction).Inc()
}
