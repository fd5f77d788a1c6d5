package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/caffeineduck/vmguard/governor"
)

// MetricsCollector holds the Prometheus metrics for script runs.
// It uses its own registry, not the global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	MemoryUsed   *prometheus.HistogramVec
	Instructions *prometheus.CounterVec
	LimitsHit    *prometheus.CounterVec

	HTTPRequestsTotal *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
}

func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmguard",
			Subsystem: "run",
			Name:      "total",
			Help:      "Script runs by machine and outcome.",
		}, []string{"machine", "outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmguard",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Script run duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"machine"}),

		MemoryUsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmguard",
			Subsystem: "run",
			Name:      "memory_bytes",
			Help:      "Memory used by a script run in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 9),
		}, []string{"machine"}),

		Instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmguard",
			Subsystem: "run",
			Name:      "instructions_total",
			Help:      "Units of work executed by scripts.",
		}, []string{"machine"}),

		LimitsHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmguard",
			Subsystem: "limit",
			Name:      "hits_total",
			Help:      "Runs stopped by a limit, by limit.",
		}, []string{"machine", "limit"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmguard",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.MemoryUsed,
		m.Instructions,
		m.LimitsHit,
		m.HTTPRequestsTotal,
		m.ActiveRuns,
	)
	return m
}

// ObserveRun records one finished run. A nil collector does nothing.
func (m *MetricsCollector) ObserveRun(machine string, out governor.Outcome) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(machine, out.Kind.String()).Inc()
	m.RunDuration.WithLabelValues(machine).Observe(out.Metrics.Elapsed.Seconds())
	m.MemoryUsed.WithLabelValues(machine).Observe(float64(out.Metrics.MemoryUsedBytes))
	m.Instructions.WithLabelValues(machine).Add(float64(out.Metrics.InstructionsExecuted))

	if out.Metrics.TimedOut {
		m.LimitsHit.WithLabelValues(machine, governor.TimedOut.String()).Inc()
	}
	if out.Metrics.MemoryExceeded {
		m.LimitsHit.WithLabelValues(machine, governor.MemoryExceeded.String()).Inc()
	}
	if out.Metrics.StackOverflow {
		m.LimitsHit.WithLabelValues(machine, governor.StackOverflow.String()).Inc()
	}
}
