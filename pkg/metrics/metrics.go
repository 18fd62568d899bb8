// Package metrics exposes broker and chooser activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "image_chooser"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	waits         *prometheus.HistogramVec
	activeWaiters prometheus.Gauge
	resets        prometheus.Counter
	chooserRuns   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	events        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound broker messages by kind.",
		}, []string{"kind"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time nodes spent waiting for a selection, by outcome.",
			Buckets:   []float64{.01, .1, .5, 1, 5, 15, 60, 300, 1800},
		}, []string{"outcome"}),
		activeWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_waiters",
			Help:      "Nodes currently paused for a selection.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_resets_total",
			Help:      "Run generations started.",
		}),
		chooserRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chooser_runs_total",
			Help:      "Chooser node invocations by mode and whether they paused.",
		}, []string{"mode", "paused"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events handled by the event router, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.messages,
		m.waits,
		m.activeWaiters,
		m.resets,
		m.chooserRuns,
		m.httpRequests,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageReceived counts an inbound message
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

// WaitFinished observes a completed wait
func (m *Metrics) WaitFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.waits.WithLabelValues(outcome).Observe(d.Seconds())
}

// WaitersChanged sets the number of paused nodes
func (m *Metrics) WaitersChanged(n int) {
	if m == nil {
		return
	}
	m.activeWaiters.Set(float64(n))
}

// RunReset counts a new run generation
func (m *Metrics) RunReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// ChooserRun counts a chooser invocation
func (m *Metrics) ChooserRun(mode string, paused bool) {
	if m == nil {
		return
	}
	p := "false"
	if paused {
		p = "true"
	}
	m.chooserRuns.WithLabelValues(mode, p).Inc()
}

// HTTPRequest counts a served request
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, httpCode(code)).Inc()
}

// EventRouted counts an event delivered by the event router
func (m *Metrics) EventRouted(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
