// Package metrics provides Prometheus metrics for the rdmabench engine.
//
// Metrics are registered on the default registry and exposed wherever the
// embedding process mounts promhttp (the rdmabench CLI serves them on
// --metrics-addr):
//
//   - rdmabench_connections_total: connections established by role
//   - rdmabench_submissions_total: work requests posted by mode
//   - rdmabench_completions_total: request completions by result
//   - rdmabench_unmatched_completions_total: completions with no in-flight match
//   - rdmabench_bytes_transferred_total: payload bytes by direction
//   - rdmabench_poll_duration_seconds: completion poll latency
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts established connections.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmabench_connections_total",
			Help: "Total number of established RDMA connections",
		},
		[]string{"role"},
	)

	// SubmissionsTotal counts work requests posted to the queue pair.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmabench_submissions_total",
			Help: "Total number of posted work requests",
		},
		[]string{"mode"},
	)

	// CompletionsTotal counts request completions by result.
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmabench_completions_total",
			Help: "Total number of request completions",
		},
		[]string{"result"},
	)

	// UnmatchedCompletionsTotal counts completions that matched no in-flight
	// request. Nonzero values indicate a correlation tracking bug.
	UnmatchedCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmabench_unmatched_completions_total",
			Help: "Completions whose correlation id matched no in-flight request",
		},
	)

	// BytesTransferred counts payload bytes moved on the data path.
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmabench_bytes_transferred_total",
			Help: "Total payload bytes transferred",
		},
		[]string{"direction"},
	)

	// PollDuration tracks how long completion poll calls take.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmabench_poll_duration_seconds",
			Help:    "Duration of completion poll calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)
