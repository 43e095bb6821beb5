// Package metrics exposes run, conflict and fetch counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skillhub"

type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	readySkills   prometheus.Gauge
	blockedSkills prometheus.Gauge
	fetchFailures *prometheus.CounterVec
	analysisCalls *prometheus.CounterVec
}

// New registers collectors on a private registry along with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		readySkills: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_skills",
			Help:      "Skills in the ready partition after the last run.",
		}),
		blockedSkills: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_skills",
			Help:      "Skills held back by pending conflicts after the last run.",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetch_failures_total",
			Help:      "Source fetches that failed.",
		}, []string{"source"}),
		analysisCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_calls_total",
			Help:      "Calls to the analysis collaborator by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.runs,
		m.runDuration,
		m.readySkills,
		m.blockedSkills,
		m.fetchFailures,
		m.analysisCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records a finished run. Gauges only move when the run committed.
func (m *Metrics) ObserveRun(outcome string, d time.Duration, ready, blocked int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
	if ready >= 0 {
		m.readySkills.Set(float64(ready))
	}
	if blocked >= 0 {
		m.blockedSkills.Set(float64(blocked))
	}
}

func (m *Metrics) SourceFetchFailed(source string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) AnalysisCall(outcome string) {
	if m == nil {
		return
	}
	m.analysisCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
