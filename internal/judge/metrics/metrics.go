// Package metrics exports judge metrics to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the sandbox and scheduler metric hooks.
type Recorder struct {
	jobsTotal         *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	activeJobs        prometheus.Gauge
	executionDuration *prometheus.HistogramVec
	jobRetries        *prometheus.CounterVec
}

// New registers the judge collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codejudge_jobs_total",
				Help: "Job state transitions",
			},
			[]string{"kind", "state"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codejudge_queue_depth",
				Help: "Current number of jobs waiting for a worker",
			},
		),
		activeJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codejudge_active_jobs",
				Help: "Number of jobs currently held by workers",
			},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codejudge_execution_duration_ms",
				Help:    "Sandbox step duration in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"language", "phase"}, // phase: "compile", "run"
		),
		jobRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codejudge_job_retries_total",
				Help: "Jobs put back on the queue",
			},
			[]string{"reason"},
		),
	}
}

func (r *Recorder) ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64) {
	r.executionDuration.WithLabelValues(languageID, "compile").Observe(float64(timeMs))
}

func (r *Recorder) ObserveRun(ctx context.Context, languageID string, outcome string, timeMs int64) {
	r.executionDuration.WithLabelValues(languageID, "run").Observe(float64(timeMs))
}

func (r *Recorder) JobTransition(kind, state string) {
	r.jobsTotal.WithLabelValues(kind, state).Inc()
}

func (r *Recorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

func (r *Recorder) ActiveJobs(n int) {
	r.activeJobs.Set(float64(n))
}

func (r *Recorder) JobRetry(reason string) {
	r.jobRetries.WithLabelValues(reason).Inc()
}
