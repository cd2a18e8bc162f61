// ============================================================================
// Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Scheduler counters:
//      - evalsearch_jobs_scheduled_total{kind}   accepted requests (fresh|resume)
//      - evalsearch_jobs_rejected_total{reason}  refused requests
//      - evalsearch_jobs_dispatched_total        runs handed to the pool
//      - evalsearch_jobs_finished_total{status}  FINISHED / TERMINATED runs
//      - evalsearch_jobs_failed_total            runs that ended with an error
//
//   2. Search counters:
//      - evalsearch_iterations_total             evaluated iterations
//      - evalsearch_candidates_skipped_total     already evaluated proposals
//      - evalsearch_iterations_replayed_total    iterations replayed on resume
//      - evalsearch_checkpoint_lines_skipped_total malformed checkpoint lines
//
//   3. Run duration (Histogram): evalsearch_job_duration_seconds
//
//   4. Gauges: evalsearch_jobs_queued, evalsearch_jobs_running
//
// Example queries:
//
//   # iterations per minute
//   rate(evalsearch_iterations_total[1m])
//
//   # share of proposals that were revisits
//   rate(evalsearch_candidates_skipped_total[5m])
//     / rate(evalsearch_iterations_total[5m])
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evalsearch"

// Collector Prometheus metrics collector
type Collector struct {
	jobsScheduled  *prometheus.CounterVec
	jobsRejected   *prometheus.CounterVec
	jobsDispatched prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsFailed     prometheus.Counter

	iterations        prometheus.Counter
	candidatesSkipped prometheus.Counter
	replayed          prometheus.Counter
	linesSkipped      prometheus.Counter

	jobDuration prometheus.Histogram

	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg, or with the
// default registerer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Total number of accepted job requests",
		}, []string{"kind"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of refused job requests",
		}, []string{"reason"}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of runs handed to the worker pool",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of runs that ended, by final status",
		}, []string{"status"}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of runs that ended with an error",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Total number of evaluated search iterations",
		}),
		candidatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_skipped_total",
			Help:      "Total number of proposed candidates that were already evaluated",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_replayed_total",
			Help:      "Total number of iterations replayed from checkpoints",
		}),
		linesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_lines_skipped_total",
			Help:      "Total number of malformed checkpoint lines skipped on resume",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Current number of queued requests",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of dispatched runs",
		}),
	}

	reg.MustRegister(
		c.jobsScheduled,
		c.jobsRejected,
		c.jobsDispatched,
		c.jobsFinished,
		c.jobsFailed,
		c.iterations,
		c.candidatesSkipped,
		c.replayed,
		c.linesSkipped,
		c.jobDuration,
		c.jobsQueued,
		c.jobsRunning,
	)
	return c
}

// ============================================================================
// Scheduler
// ============================================================================

// RecordScheduled counts an accepted request.
func (c *Collector) RecordScheduled(resume bool) {
	if c == nil {
		return
	}
	kind := "fresh"
	if resume {
		kind = "resume"
	}
	c.jobsScheduled.WithLabelValues(kind).Inc()
}

// RecordRejected counts a refused request.
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordDispatch counts a run handed to the pool.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.jobsDispatched.Inc()
}

// RecordFinished counts a run that ended.
func (c *Collector) RecordFinished(status types.JobStatus, failed bool, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(string(status)).Inc()
	if failed {
		c.jobsFailed.Inc()
	}
	c.jobDuration.Observe(seconds)
}

// UpdateQueueStats sets the queue gauges.
func (c *Collector) UpdateQueueStats(queued, running int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

// ============================================================================
// Search (implements search.Metrics)
// ============================================================================

func (c *Collector) IterationCompleted() {
	if c == nil {
		return
	}
	c.iterations.Inc()
}

func (c *Collector) CandidateSkipped() {
	if c == nil {
		return
	}
	c.candidatesSkipped.Inc()
}

func (c *Collector) IterationsReplayed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.replayed.Add(float64(n))
}

func (c *Collector) CheckpointLinesSkipped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.linesSkipped.Add(float64(n))
}

// Handler exposes g in the Prometheus text format; a nil g selects the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
