package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mockengine"

// Metrics holds the engine's Prometheus instruments. Every method is safe on
// a nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	RuleMatchesTotal   *prometheus.CounterVec
	ScriptErrorsTotal  *prometheus.CounterVec
	UpstreamErrors     prometheus.Counter
	IndexRebuildsTotal *prometheus.CounterVec
	RecorderDropped    prometheus.Counter
}

// New creates the instruments on a dedicated registry that also carries the
// Go runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of evaluated mock requests by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "End to end evaluation duration, delay included",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RuleMatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Requests that matched or missed every rule",
			},
			[]string{"matched"},
		),
		ScriptErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_errors_total",
				Help:      "Sandbox failures by error kind",
			},
			[]string{"kind"},
		),
		UpstreamErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Failed proxy calls",
			},
		),
		IndexRebuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_rebuilds_total",
				Help:      "Rule index rebuilds by result",
			},
			[]string{"result"},
		),
		RecorderDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recorder_dropped_total",
				Help:      "Interactions dropped because the recorder was saturated",
			},
		),
	}
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

// ObserveEvaluation records one finished evaluation
func (m *Metrics) ObserveEvaluation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

// ObserveMatch records whether a request matched a rule
func (m *Metrics) ObserveMatch(matched bool) {
	if m == nil {
		return
	}
	if matched {
		m.RuleMatchesTotal.WithLabelValues("true").Inc()
	} else {
		m.RuleMatchesTotal.WithLabelValues("false").Inc()
	}
}

// ScriptError counts a sandbox failure
func (m *Metrics) ScriptError(kind string) {
	if m == nil {
		return
	}
	m.ScriptErrorsTotal.WithLabelValues(kind).Inc()
}

// UpstreamError counts a failed proxy call
func (m *Metrics) UpstreamError() {
	if m == nil {
		return
	}
	m.UpstreamErrors.Inc()
}

// IndexRebuild counts a rebuild attempt, result is "ok" or "error"
func (m *Metrics) IndexRebuild(result string) {
	if m == nil {
		return
	}
	m.IndexRebuildsTotal.WithLabelValues(result).Inc()
}

// Dropped counts an interaction the recorder could not accept
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.RecorderDropped.Inc()
}
