// Package metrics holds the Prometheus instrumentation of the Sentinel
// monitor.
//
// Metrics are registered on a private registry rather than the global
// default so that tests can build as many independent instances as they
// need. Every method is safe to call on a nil *Metrics, which lets
// components treat instrumentation as optional.
//
// # Metric catalogue
//
//	sentinel_signals_processed_total        – counter: signals handled by the detector pipeline, by type and outcome
//	sentinel_anomalies_detected_total       – counter: anomalies created, by type
//	sentinel_risk_cycles_total              – counter: risk cycles, by outcome (low, elevated, triggered, cooldown, error)
//	sentinel_risk_score                     – gauge:   effective score of the latest risk row
//	sentinel_alert_deliveries_total         – counter: delivery attempts, by outcome (sent, retry, failed)
//	sentinel_alert_attempt_duration_seconds – histogram: duration of one transport attempt
//	sentinel_alert_queue_depth              – gauge:   PENDING alerts after the last dispatch
//	sentinel_tick_failures_total            – counter: monitor ticks that returned an error, by tick
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the Sentinel collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	signalsProcessed *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	riskCycles       *prometheus.CounterVec
	riskScore        prometheus.Gauge
	deliveries       *prometheus.CounterVec
	attemptDuration  prometheus.Histogram
	queueDepth       prometheus.Gauge
	tickFailures     *prometheus.CounterVec
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are registered alongside the Sentinel metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		signalsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_signals_processed_total",
				Help: "Signals handled by the detector pipeline",
			},
			[]string{"type", "outcome"}, // outcome: normal/anomaly/malformed
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_anomalies_detected_total",
				Help: "Anomalies created by the detectors",
			},
			[]string{"type"},
		),
		riskCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_risk_cycles_total",
				Help: "Risk scoring cycles by outcome",
			},
			[]string{"outcome"},
		),
		riskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_risk_score",
			Help: "Effective score of the latest risk row",
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_alert_deliveries_total",
				Help: "Alert delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_alert_attempt_duration_seconds",
			Help:    "Duration of one alert transport attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_alert_queue_depth",
			Help: "PENDING alerts after the last dispatch pass",
		}),
		tickFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_tick_failures_total",
				Help: "Scheduled monitor ticks that failed",
			},
			[]string{"tick"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signalsProcessed,
		m.anomalies,
		m.riskCycles,
		m.riskScore,
		m.deliveries,
		m.attemptDuration,
		m.queueDepth,
		m.tickFailures,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SignalProcessed counts one signal of type typ with the given outcome.
func (m *Metrics) SignalProcessed(typ, outcome string) {
	if m == nil {
		return
	}
	m.signalsProcessed.WithLabelValues(typ, outcome).Inc()
}

// AnomalyDetected counts one anomaly of type typ.
func (m *Metrics) AnomalyDetected(typ string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(typ).Inc()
}

// RiskCycle counts one cycle and records the resulting score.
func (m *Metrics) RiskCycle(outcome string, score int) {
	if m == nil {
		return
	}
	m.riskCycles.WithLabelValues(outcome).Inc()
	m.riskScore.Set(float64(score))
}

// RiskCycleFailed counts a cycle that could not read or write the store.
func (m *Metrics) RiskCycleFailed() {
	if m == nil {
		return
	}
	m.riskCycles.WithLabelValues("error").Inc()
}

// RiskScore sets the current-score gauge without counting a cycle; used
// after a decay pass.
func (m *Metrics) RiskScore(score int) {
	if m == nil {
		return
	}
	m.riskScore.Set(float64(score))
}

// AlertDelivery counts one attempt and observes how long it took.
func (m *Metrics) AlertDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(d.Seconds())
}

// QueueDepth records the number of PENDING alerts.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// TickFailed counts a failed monitor tick.
func (m *Metrics) TickFailed(tick string) {
	if m == nil {
		return
	}
	m.tickFailures.WithLabelValues(tick).Inc()
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
