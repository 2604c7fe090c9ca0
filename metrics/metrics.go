// Package metrics defines every Prometheus collector the broker
// exports. Collectors register against a private registry so tests can
// scrape without fighting the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all broker collectors.
var Registry = prometheus.NewRegistry()

var (
	AllocateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "allocate",
			Name:      "total",
			Help:      "Allocation requests by outcome (allocated, idempotent, no_capacity, error).",
		},
		[]string{"outcome"},
	)

	AllocateConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "allocate",
			Name:      "conflicts_total",
			Help:      "Conditional claims lost to a concurrent writer during allocation.",
		},
	)

	AllocateLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broker",
			Subsystem: "allocate",
			Name:      "latency_seconds",
			Help:      "End-to-end allocation latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	DeletionMarked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "deletion",
			Name:      "marked_total",
			Help:      "Mark-for-deletion requests by outcome (marked, not_found, wrong_state, not_owner, error).",
		},
		[]string{"outcome"},
	)

	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "sync",
			Name:      "total",
			Help:      "Sync runs by outcome (success, error).",
		},
		[]string{"outcome"},
	)

	SyncInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "sync",
			Name:      "inserted_total",
			Help:      "New upstream accounts registered as available.",
		},
	)

	SyncRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "sync",
			Name:      "removed_total",
			Help:      "Rows pruned because the account disappeared upstream.",
		},
	)

	SyncOrphaned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Subsystem: "sync",
			Name:      "orphaned",
			Help:      "Allocated rows whose upstream account is gone, as of the last sync.",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "broker",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of one sync run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	CleanupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "cleanup",
			Name:      "total",
			Help:      "Cleanup runs by outcome (success, error).",
		},
		[]string{"outcome"},
	)

	CleanupExpiredReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "cleanup",
			Name:      "expired_reclaimed_total",
			Help:      "Expired leases returned to the available pool.",
		},
	)

	CleanupDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "cleanup",
			Name:      "deletions_total",
			Help:      "Upstream teardown attempts by outcome (completed, failed).",
		},
		[]string{"outcome"},
	)

	CleanupStuck = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "cleanup",
			Name:      "stuck_total",
			Help:      "pending_deletion rows promoted to deletion_failed after the timeout.",
		},
	)

	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "broker",
			Subsystem: "cleanup",
			Name:      "duration_seconds",
			Help:      "Wall time of one cleanup run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	PoolSandboxes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Subsystem: "pool",
			Name:      "sandboxes",
			Help:      "Pool size by status, refreshed on stats reads and job runs.",
		},
		[]string{"status"},
	)

	PoolTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broker",
			Subsystem: "pool",
			Name:      "total",
			Help:      "Total rows in the pool table.",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status code.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429.",
		},
	)

	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Calls to the cloud provider by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		AllocateTotal,
		AllocateConflicts,
		AllocateLatency,
		DeletionMarked,
		SyncTotal,
		SyncInserted,
		SyncRemoved,
		SyncOrphaned,
		SyncDuration,
		CleanupTotal,
		CleanupExpiredReclaimed,
		CleanupDeletions,
		CleanupStuck,
		CleanupDuration,
		PoolSandboxes,
		PoolTotal,
		RequestDuration,
		RateLimited,
		UpstreamRequests,
	)
}

// SetPoolGauges refreshes the per-status and total pool gauges from a
// status count map.
func SetPoolGauges(counts map[string]int) {
	total := 0
	for status, n := range counts {
		PoolSandboxes.WithLabelValues(status).Set(float64(n))
		total += n
	}
	PoolTotal.Set(float64(total))
}

// Handler exposes the broker registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
