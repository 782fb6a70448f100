package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skein-run/skein/pkg/engine"
)

// Metrics collects Prometheus metrics for plan runs. A disabled
// instance is a no-op so call sites never branch.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	tasksFinished *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	eventsTotal   *prometheus.CounterVec
	errorsByKind  *prometheus.CounterVec
	activeRuns    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "skein"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Plan runs started.",
		}, []string{"plan_id"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Plan runs finished, by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a plan run.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task dispatches finished, by status and task reference.",
		}, []string{"status", "task_ref"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of a task dispatch.",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published, by type.",
		}, []string{"type"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors, by kind.",
		}, []string{"kind"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Plan runs currently executing.",
		}),
	}
	registry.MustRegister(
		m.runsStarted, m.runsFinished, m.runDuration,
		m.tasksFinished, m.taskDuration,
		m.eventsTotal, m.errorsByKind, m.activeRuns,
	)
	return m
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RunStarted records the start of a plan run.
func (m *Metrics) RunStarted(planID string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(planID).Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run's terminal status and duration.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
	m.activeRuns.Dec()
}

// ObserveEvent counts a published event by type, and breaks task
// completion out by status when the payload carries one.
func (m *Metrics) ObserveEvent(evt engine.Event) {
	if !m.enabled() {
		return
	}
	m.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	if evt.Type == engine.EventTaskFinished {
		status, _ := evt.Payload["status"].(string)
		m.tasksFinished.WithLabelValues(status, evt.NodeName).Inc()
	}
}

// ErrorObserved counts a classified error.
func (m *Metrics) ErrorObserved(kind engine.ErrorKind) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(string(kind)).Inc()
}

// Handler exposes the registry over HTTP for scraping. Returns nil
// when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
