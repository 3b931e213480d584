package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
)

// RunLedgerStore implements reconcile.Ledger (append-only ingestion_runs table).
var _ reconcile.Ledger = (*RunLedgerStore)(nil)

// RunLedgerStore persists one row per ingestion cycle. A row is inserted as running and
// updated exactly once when the cycle finishes; a trigger rejects later changes.
type RunLedgerStore struct {
	conn *Connection
}

const runColumns = `
	id, collector_name, status, records_total, records_valid, records_invalid,
	movies_seen, cinemas_seen, showtimes_found, showtimes_added, showtimes_confirmed,
	conflicts_skipped, write_failures, stale_deactivated, batch_digest, error_message,
	started_at, completed_at, duration_seconds`

// NewRunLedgerStore creates a ledger over conn.
func NewRunLedgerStore(conn *Connection) (*RunLedgerStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunLedgerStore{conn: conn}, nil
}

// HealthCheck verifies the database is reachable.
func (s *RunLedgerStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// OpenRun implements reconcile.Ledger.
func (s *RunLedgerStore) OpenRun(ctx context.Context, run *reconcile.RunRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO ingestion_runs (id, collector_name, status, records_total, batch_digest, started_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, run.ID, run.Collector, string(reconcile.RunStatusRunning), run.RecordsTotal, run.BatchDigest, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to open run: %w", classify(err))
	}

	return nil
}

// FinalizeRun implements reconcile.Ledger.
func (s *RunLedgerStore) FinalizeRun(ctx context.Context, run *reconcile.RunRecord) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE ingestion_runs SET
			status = $2,
			records_valid = $3,
			records_invalid = $4,
			movies_seen = $5,
			cinemas_seen = $6,
			showtimes_found = $7,
			showtimes_added = $8,
			showtimes_confirmed = $9,
			conflicts_skipped = $10,
			write_failures = $11,
			stale_deactivated = $12,
			error_message = NULLIF($13, ''),
			completed_at = $14,
			duration_seconds = $15
		WHERE id = $1 AND status = 'running'
	`,
		run.ID, string(run.Status), run.RecordsValid, run.RecordsInvalid,
		run.MoviesSeen, run.CinemasSeen, run.ShowtimesFound, run.ShowtimesAdded, run.ShowtimesConfirmed,
		run.ConflictsSkipped, run.WriteFailures, run.StaleDeactivated, run.ErrorMessage,
		run.CompletedAt, run.Duration.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", classify(err))
	}

	if affected == 1 {
		return nil
	}

	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}

	return fmt.Errorf("%w: %s", reconcile.ErrRunFinalized, run.ID)
}

// GetRun returns one run by id.
func (s *RunLedgerStore) GetRun(ctx context.Context, id uuid.UUID) (*reconcile.RunRecord, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT`+runColumns+` FROM ingestion_runs WHERE id = $1`, id)

	return scanRun(row, id.String())
}

// LatestRun returns the most recently started run, restricted to collector when it is not empty.
func (s *RunLedgerStore) LatestRun(ctx context.Context, collector string) (*reconcile.RunRecord, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT`+runColumns+`
		FROM ingestion_runs
		WHERE $1::text = '' OR collector_name = $1::text
		ORDER BY started_at DESC
		LIMIT 1
	`, collector)

	return scanRun(row, "latest")
}

func scanRun(row *sql.Row, label string) (*reconcile.RunRecord, error) {
	var (
		run         reconcile.RunRecord
		status      string
		digest      sql.NullString
		errorText   sql.NullString
		completedAt sql.NullTime
		seconds     sql.NullFloat64
	)

	err := row.Scan(
		&run.ID, &run.Collector, &status, &run.RecordsTotal, &run.RecordsValid, &run.RecordsInvalid,
		&run.MoviesSeen, &run.CinemasSeen, &run.ShowtimesFound, &run.ShowtimesAdded, &run.ShowtimesConfirmed,
		&run.ConflictsSkipped, &run.WriteFailures, &run.StaleDeactivated, &digest, &errorText,
		&run.StartedAt, &completedAt, &seconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", reconcile.ErrRunNotFound, label)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", classify(err))
	}

	run.Status = reconcile.RunStatus(status)
	run.BatchDigest = digest.String
	run.ErrorMessage = errorText.String
	run.CompletedAt = completedAt.Time
	run.Duration = time.Duration(seconds.Float64 * float64(time.Second))

	return &run, nil
}
