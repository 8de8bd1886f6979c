package metrics

import (
	"time"

	"balagruha-offline-sync/internal/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "balagruha"
	subsystem = "offline_sync"
)

// Outcome labels of records handled by a replay pass.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeUnknown  = "unknown"
	OutcomeReleased = "released"
)

var (
	replayRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_runs_total",
			Help:      "Replay passes by result",
		},
		[]string{"result"},
	)

	replayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_duration_seconds",
			Help:      "Duration of a replay pass",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	recordsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Records handled by replay passes by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_records",
			Help:      "Offline requests currently stored, by status",
		},
		[]string{"status"},
	)
)

// ObserveReplay records a finished pass; result is "ok", "error" or "busy".
func ObserveReplay(result string, d time.Duration) {
	replayRuns.WithLabelValues(result).Inc()
	if result != "busy" {
		replayDuration.Observe(d.Seconds())
	}
}

// ObserveRecord counts one record outcome.
func ObserveRecord(operation, outcome string) {
	recordsReplayed.WithLabelValues(operation, outcome).Inc()
}

// SetQueueCounts publishes the per-status record counts.
func SetQueueCounts(c models.QueueCounts) {
	queueDepth.WithLabelValues(models.StatusPending).Set(float64(c.Pending))
	queueDepth.WithLabelValues(models.StatusInFlight).Set(float64(c.InFlight))
	queueDepth.WithLabelValues(models.StatusSynced).Set(float64(c.Synced))
	queueDepth.WithLabelValues(models.StatusFailed).Set(float64(c.Failed))
}
