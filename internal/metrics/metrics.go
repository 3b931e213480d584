// Package metrics provides Prometheus metrics for ingestion cycles.
//
// Usage:
//
//	metrics.RecordCycle("success", 3*time.Second)
//	metrics.RecordUpserts(12, 40)
//	metrics.RecordConflict(metrics.StageReplay)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conflict stages.
const (
	StageBatch  = "batch"
	StageReplay = "replay"
)

// Batch message outcomes.
const (
	BatchProcessed = "processed"
	BatchMalformed = "malformed"
	BatchFailed    = "failed"
)

var (
	// CyclesTotal counts finished ingestion cycles by run status.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_cycles_total",
			Help: "Total number of ingestion cycles by final status",
		},
		[]string{"status"},
	)

	// CycleDuration tracks how long cycles take.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconciler_cycle_duration_seconds",
			Help:    "Duration of ingestion cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
	)

	// RecordsRejectedTotal counts records rejected by validation, by error kind.
	RecordsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_records_rejected_total",
			Help: "Total number of validation errors by kind",
		},
		[]string{"kind"},
	)

	// ShowtimesUpsertedTotal counts showtime writes. outcome is "inserted" or "confirmed".
	ShowtimesUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_showtimes_upserted_total",
			Help: "Total number of showtime upserts by outcome",
		},
		[]string{"outcome"},
	)

	// ConflictsTotal counts uniqueness conflicts. stage "batch" is a record transaction
	// falling back to replay, "replay" is a single showtime skipped.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_conflicts_total",
			Help: "Total number of uniqueness conflicts by stage",
		},
		[]string{"stage"},
	)

	// BatchesConsumedTotal counts batch messages read from the broker, by outcome.
	BatchesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_batches_consumed_total",
			Help: "Total number of batch messages consumed by outcome",
		},
		[]string{"outcome"},
	)

	// StaleDeactivatedTotal counts showtimes retired by the staleness sweep.
	StaleDeactivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_stale_showtimes_deactivated_total",
			Help: "Total number of showtimes deactivated because their date passed",
		},
	)
)

// RecordCycle records a finished cycle.
func RecordCycle(status string, duration time.Duration) {
	CyclesTotal.WithLabelValues(status).Inc()
	CycleDuration.Observe(duration.Seconds())
}

// RecordRejection records one validation error.
func RecordRejection(kind string) {
	RecordsRejectedTotal.WithLabelValues(kind).Inc()
}

// RecordUpserts records showtime writes of one record.
func RecordUpserts(inserted, confirmed int) {
	if inserted > 0 {
		ShowtimesUpsertedTotal.WithLabelValues("inserted").Add(float64(inserted))
	}

	if confirmed > 0 {
		ShowtimesUpsertedTotal.WithLabelValues("confirmed").Add(float64(confirmed))
	}
}

// RecordConflict records a uniqueness conflict at stage.
func RecordConflict(stage string) {
	ConflictsTotal.WithLabelValues(stage).Inc()
}

// RecordStaleDeactivated records the result of a staleness sweep.
func RecordStaleDeactivated(n int64) {
	if n > 0 {
		StaleDeactivatedTotal.Add(float64(n))
	}
}

// RecordBatchConsumed records one consumed batch message.
func RecordBatchConsumed(outcome string) {
	BatchesConsumedTotal.WithLabelValues(outcome).Inc()
}
