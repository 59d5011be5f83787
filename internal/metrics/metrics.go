// Package metrics holds the Prometheus instruments of the scanner
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for the scanner
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal      *prometheus.CounterVec
	FindingsTotal   *prometheus.CounterVec
	SandboxRuns     *prometheus.CounterVec
	SandboxDuration prometheus.Histogram
	RulesLoaded     prometheus.Gauge
	RuleErrors      prometheus.Gauge
}

// NewMetrics registers every instrument on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers every instrument on reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verimodel_scans_total",
			Help: "Total number of artifacts scanned, by verdict",
		}, []string{"verdict"}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verimodel_findings_total",
			Help: "Total number of findings reported, by kind and severity",
		}, []string{"kind", "severity"}),
		SandboxRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verimodel_sandbox_runs_total",
			Help: "Total number of sandbox runs, by final state",
		}, []string{"state"}),
		SandboxDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "verimodel_sandbox_duration_seconds",
			Help:    "Wall time of sandbox runs",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RulesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "verimodel_rules_loaded",
			Help: "Number of enabled rules in the active ruleset",
		}),
		RuleErrors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "verimodel_rule_errors",
			Help: "Number of rule documents rejected by the last load",
		}),
	}
}

// ObserveScan counts one verdict
func (m *Metrics) ObserveScan(safe bool) {
	verdict := "unsafe"
	if safe {
		verdict = "safe"
	}
	m.ScansTotal.WithLabelValues(verdict).Inc()
}

// ObserveFinding counts one finding
func (m *Metrics) ObserveFinding(kind, severity string) {
	m.FindingsTotal.WithLabelValues(kind, severity).Inc()
}

// ObserveSandboxRun records the outcome and wall time of a sandbox run
func (m *Metrics) ObserveSandboxRun(state string, d time.Duration) {
	m.SandboxRuns.WithLabelValues(state).Inc()
	m.SandboxDuration.Observe(d.Seconds())
}

// SetRules publishes the size of the active ruleset
func (m *Metrics) SetRules(loaded, errors int) {
	m.RulesLoaded.Set(float64(loaded))
	m.RuleErrors.Set(float64(errors))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
