// Package metrics exposes Prometheus instrumentation for the reconcile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlsync_reconcile_cycle_duration_seconds",
		Help:    "Duration of one reconcile cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ClientPollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlsync_client_poll_failures_total",
			Help: "Total number of failed download client queries",
		},
		[]string{"client_type"},
	)

	CompletionConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlsync_completion_confirmed_total",
		Help: "Total number of completions that passed the stability window",
	})

	MissingSourceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlsync_finalize_missing_source_retries_total",
		Help: "Total number of finalize retries scheduled for a missing source",
	})

	FinalizeTerminalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlsync_finalize_terminal_failures_total",
		Help: "Total number of finalizations abandoned after exhausting retries",
	})

	OrphansPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlsync_orphans_purged_total",
			Help: "Total number of download records purged as orphans",
		},
		[]string{"client_type"},
	)

	PurgeSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlsync_purge_skipped_total",
			Help: "Total number of purge candidates kept",
		},
		[]string{"reason"}, // "history_match", "history_error", "grace_period", "processing"
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlsync_websocket_clients",
		Help: "Current number of connected websocket clients",
	})
)
