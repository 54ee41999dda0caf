// Package metrics exposes sync health counters on a private Prometheus
// registry. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	framesTotal     *prometheus.CounterVec
	framesDropped   prometheus.Counter
	reconnects      prometheus.Counter
	connectionPhase *prometheus.GaugeVec
	pollsTotal      *prometheus.CounterVec
	reconcileTotal  *prometheus.CounterVec
	mutationsTotal  *prometheus.CounterVec
	activeScans     prometheus.Gauge
	findings        prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconsync_push_frames_total",
			Help: "Decoded push channel frames by event kind",
		}, []string{"event"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconsync_push_frames_dropped_total",
			Help: "Malformed push channel frames that were dropped",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconsync_reconnect_attempts_total",
			Help: "Push channel reconnection attempts",
		}),
		connectionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconsync_connection_phase",
			Help: "1 for the current push channel phase, 0 otherwise",
		}, []string{"phase"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconsync_polls_total",
			Help: "Poll snapshot fetches by result",
		}, []string{"result"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconsync_reconcile_total",
			Help: "Reconciliation outcomes by source",
		}, []string{"source", "outcome"}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconsync_mutations_total",
			Help: "Mutation requests sent to the scanning service",
		}, []string{"op", "result"}),
		activeScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconsync_active_scans",
			Help: "Scans in the live view",
		}),
		findings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconsync_findings",
			Help: "Visible vulnerability findings",
		}),
	}
	registry.MustRegister(
		m.framesTotal, m.framesDropped, m.reconnects, m.connectionPhase,
		m.pollsTotal, m.reconcileTotal, m.mutationsTotal, m.activeScans, m.findings,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameReceived(event string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ConnectionPhase(current string, phases ...string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		value := 0.0
		if p == current {
			value = 1
		}
		m.connectionPhase.WithLabelValues(p).Set(value)
	}
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconcile(source, outcome string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Mutation(op, result string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SetActiveScans(n int) {
	if m == nil {
		return
	}
	m.activeScans.Set(float64(n))
}

func (m *Metrics) SetFindings(n int) {
	if m == nil {
		return
	}
	m.findings.Set(float64(n))
}
