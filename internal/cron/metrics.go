package cron

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry     prometheus.Registerer
	jobsTotal    prometheus.Gauge
	jobsEnabled  prometheus.Gauge
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsSkipped  prometheus.Counter
	storeSaves   prometheus.Counter
	timerRearmed prometheus.Counter
}

func InitMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		jobsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs_total",
				Help:      "Total number of jobs in the store",
			},
		),
		jobsEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs_enabled",
				Help:      "Number of enabled jobs",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_runs_total",
				Help:      "Total number of job executions",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cron_run_duration_seconds",
				Help:      "Duration of job executions",
				Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		runsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_runs_skipped_total",
				Help:      "Executions skipped because a batch was already in flight",
			},
		),
		storeSaves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_store_saves_total",
				Help:      "Total number of store rewrites",
			},
		),
		timerRearmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_timer_rearmed_total",
				Help:      "Total number of timer re-arms",
			},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobsEnabled,
		m.runsTotal,
		m.runDuration,
		m.runsSkipped,
		m.storeSaves,
		m.timerRearmed,
	)

	return m
}

func (m *Metrics) SetJobCounts(total, enabled int) {
	if m == nil {
		return
	}
	m.jobsTotal.Set(float64(total))
	m.jobsEnabled.Set(float64(enabled))
}

func (m *Metrics) ObserveRun(status RunStatus, durationMs int64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(float64(durationMs) / 1000)
}

func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.runsSkipped.Inc()
}

func (m *Metrics) IncStoreSave() {
	if m == nil {
		return
	}
	m.storeSaves.Inc()
}

func (m *Metrics) IncTimerRearmed() {
	if m == nil {
		return
	}
	m.timerRearmed.Inc()
}
