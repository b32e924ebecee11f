package directory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "directory_auth_attempts_total",
			Help:      "Directory authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "directory_sync_runs_total",
			Help:      "Reconciliation passes by terminal status",
		},
		[]string{"status"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dirgate",
			Name:      "directory_sync_duration_seconds",
			Help:      "Wall-clock duration of reconciliation passes",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	syncChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "directory_sync_changes_total",
			Help:      "Mirror changes applied by reconciliation",
		},
		[]string{"action"},
	)

	scheduledSyncSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "directory_sync_skips_total",
			Help:      "Scheduled passes skipped before running",
		},
		[]string{"reason"},
	)
)
