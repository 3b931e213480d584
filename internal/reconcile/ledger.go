package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of an ingestion cycle.
type RunStatus string

// Run statuses. RunStatusRunning only exists between OpenRun and FinalizeRun.
const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
	RunStatusTimeout RunStatus = "timeout"
)

// ledgerWriteTimeout bounds ledger writes, which run even after the cycle context is done.
const ledgerWriteTimeout = 5 * time.Second

// RunRecord is one row of the run ledger.
//
//nolint:tagliatelle // snake_case matches the ledger columns
type RunRecord struct {
	ID                 uuid.UUID     `json:"id"`
	Collector          string        `json:"collector"`
	Status             RunStatus     `json:"status"`
	RecordsTotal       int           `json:"records_total"`
	RecordsValid       int           `json:"records_valid"`
	RecordsInvalid     int           `json:"records_invalid"`
	MoviesSeen         int           `json:"movies_seen"`
	CinemasSeen        int           `json:"cinemas_seen"`
	ShowtimesFound     int           `json:"showtimes_found"`
	ShowtimesAdded     int           `json:"showtimes_added"`
	ShowtimesConfirmed int           `json:"showtimes_confirmed"`
	ConflictsSkipped   int           `json:"conflicts_skipped"`
	WriteFailures      int           `json:"write_failures"`
	StaleDeactivated   int64         `json:"stale_deactivated"`
	BatchDigest        string        `json:"batch_digest,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        time.Time     `json:"completed_at,omitzero"`
	Duration           time.Duration `json:"duration_ns"`
}

// IsFinal reports whether the run has left the running state.
func (r *RunRecord) IsFinal() bool {
	return r.Status != RunStatusRunning && r.Status != ""
}

// IsValid reports whether s is a terminal status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// tally accumulates the counts of one cycle.
type tally struct {
	movies    map[int64]struct{}
	cinemas   map[int64]struct{}
	found     int
	added     int
	confirmed int
	conflicts int
	failures  int
}

func newTally() *tally {
	return &tally{
		movies:  make(map[int64]struct{}),
		cinemas: make(map[int64]struct{}),
	}
}

func (t *tally) add(o recordOutcome) {
	if o.movieID != 0 {
		t.movies[o.movieID] = struct{}{}
	}

	if o.cinemaID != 0 {
		t.cinemas[o.cinemaID] = struct{}{}
	}

	t.found += o.slots
	t.added += o.added
	t.confirmed += o.confirmed
	t.conflicts += o.conflicts
	t.failures += o.failures
}

// deriveStatus picks the run status. Deadline beats every other outcome, then any
// fatal error, then anything that left part of the batch unwritten.
func deriveStatus(run *RunRecord, fatal error) RunStatus {
	switch {
	case errors.Is(fatal, context.DeadlineExceeded):
		return RunStatusTimeout
	case fatal != nil:
		return RunStatusFailed
	case run.RecordsInvalid > 0 || run.ConflictsSkipped > 0 || run.WriteFailures > 0:
		return RunStatusPartial
	default:
		return RunStatusSuccess
	}
}

// finalize fills in the outcome fields of run. It is a no-op on a final run.
func finalize(run *RunRecord, t *tally, fatal error, completedAt time.Time) {
	if run.IsFinal() {
		return
	}

	run.MoviesSeen = len(t.movies)
	run.CinemasSeen = len(t.cinemas)
	run.ShowtimesFound = t.found
	run.ShowtimesAdded = t.added
	run.ShowtimesConfirmed = t.confirmed
	run.ConflictsSkipped = t.conflicts
	run.WriteFailures = t.failures
	run.Status = deriveStatus(run, fatal)
	run.CompletedAt = completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	if fatal != nil {
		run.ErrorMessage = fatal.Error()
	}
}

// ledgerContext detaches ledger writes from the cycle context so a timed-out cycle can still be recorded.
func ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}
