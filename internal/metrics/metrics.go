// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts requests served by the metrics/health HTTP
	// surface.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobRunsTotal counts JobRun completions by job and terminal status.
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of job run completions.",
		},
		[]string{"job_name", "status"},
	)

	// PipelineStageDuration observes wall time spent in each pipeline
	// stage, labeled by stage and outcome.
	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stage execution in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)

	// IncidentsOpenTotal counts incidents opened, labeled by whether the
	// failure matched a known error.
	IncidentsOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidents_opened_total",
			Help: "Total number of incidents opened.",
		},
		[]string{"stage", "is_known"},
	)

	// IncidentsResolvedTotal counts incidents resolved, labeled by
	// resolution actor kind (system for auto-retry success, manual
	// otherwise).
	IncidentsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidents_resolved_total",
			Help: "Total number of incidents resolved.",
		},
		[]string{"stage", "resolved_by"},
	)

	// QueueClaimsTotal counts queue claim attempts by outcome.
	QueueClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_claims_total",
			Help: "Total number of queue claim attempts.",
		},
		[]string{"result"},
	)

	// IsScheduler marks whether this process currently holds the
	// single-scheduler safety lock.
	IsScheduler = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_scheduler",
			Help: "Is this node currently holding the scheduler lock. 1 if holding, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)

// Register is a no-op retained for callers that expect an explicit
// registration entry point; promauto registers each metric on declaration.
func Register() {}
