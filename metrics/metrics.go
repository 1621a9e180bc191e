// Package metrics collects the pipeline's operational counters and exposes
// them through Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. Construct one per process with New
// and share it across the coordinator, workers, and server.
type Metrics struct {
	UploadsStarted   prometheus.Counter
	UploadsCompleted prometheus.Counter
	UploadsTimedOut  prometheus.Counter

	CompletionsReceived  *prometheus.CounterVec // by stage
	DuplicateCompletions *prometheus.CounterVec // by stage
	FanOuts              *prometheus.CounterVec // by stage
	DispatchFailures     prometheus.Counter
	AlarmFirings         prometheus.Counter

	JobsDeadLettered *prometheus.CounterVec   // by stage
	RasterDuration   *prometheus.HistogramVec // by operation
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planproc_uploads_started_total",
			Help: "Uploads initialized into the pipeline.",
		}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planproc_uploads_completed_total",
			Help: "Uploads that reached the complete status.",
		}),
		UploadsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planproc_uploads_timed_out_total",
			Help: "Uploads that failed on the deadline alarm.",
		}),
		CompletionsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planproc_completions_received_total",
			Help: "Stage completion messages processed.",
		}, []string{"stage"}),
		DuplicateCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planproc_duplicate_completions_total",
			Help: "Redelivered completion messages absorbed idempotently.",
		}, []string{"stage"}),
		FanOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planproc_fanouts_total",
			Help: "Stage fan-outs performed.",
		}, []string{"stage"}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planproc_dispatch_failures_total",
			Help: "Fan-out dispatch failures that latched the pipeline.",
		}),
		AlarmFirings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planproc_alarm_firings_total",
			Help: "Deadline alarms that fired.",
		}),
		JobsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planproc_jobs_dead_lettered_total",
			Help: "Stage jobs abandoned after bounded retries.",
		}, []string{"stage"}),
		RasterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planproc_raster_call_seconds",
			Help:    "Raster/OCR service call durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.UploadsStarted, m.UploadsCompleted, m.UploadsTimedOut,
		m.CompletionsReceived, m.DuplicateCompletions, m.FanOuts,
		m.DispatchFailures, m.AlarmFirings,
		m.JobsDeadLettered, m.RasterDuration,
	)
	return m
}

// NewUnregistered creates the collectors on a fresh private registry, for
// tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
