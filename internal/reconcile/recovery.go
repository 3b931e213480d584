package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/metrics"
)

// replayRecord is the conflict recovery path. After a record transaction failed on a
// uniqueness conflict, it re-runs identity resolution and the upsert once per slot, each
// in its own transaction. A slot that conflicts again is logged and skipped. Only a fatal
// error stops the replay; the returned outcome still counts everything written before it.
func (e *Engine) replayRecord(
	ctx context.Context,
	rec ingestion.Record,
	slots []ingestion.Slot,
	now time.Time,
) (recordOutcome, error) {
	outcome := recordOutcome{slots: len(slots)}

	for _, slot := range slots {
		if err := e.replayLimiter.Wait(ctx); err != nil {
			return outcome, fmt.Errorf("replay throttle: %w", err)
		}

		movieID, cinemaID, result, err := e.replaySlot(ctx, rec, slot, now)

		switch {
		case err == nil:
			outcome.movieID = movieID
			outcome.cinemaID = cinemaID
			outcome.count(result)
		case isFatal(err):
			return outcome, err
		case errors.Is(err, ErrUniquenessConflict):
			outcome.conflicts++

			metrics.RecordConflict(metrics.StageReplay)

			e.logger.Warn("Showtime conflict during replay, skipping",
				slog.String("title", rec.Title),
				slog.String("cinema", rec.Cinema),
				slog.String("date", slot.Date),
				slog.String("time", slot.Time),
				slog.String("error", err.Error()),
			)
		default:
			outcome.failures++

			e.logger.Error("Showtime replay failed, skipping",
				slog.String("title", rec.Title),
				slog.String("cinema", rec.Cinema),
				slog.String("date", slot.Date),
				slog.String("time", slot.Time),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.RecordUpserts(outcome.added, outcome.confirmed)

	e.logger.Info("Record replayed one showtime per transaction",
		slog.String("title", rec.Title),
		slog.String("cinema", rec.Cinema),
		slog.Int("showtimes_added", outcome.added),
		slog.Int("showtimes_confirmed", outcome.confirmed),
		slog.Int("conflicts_skipped", outcome.conflicts),
		slog.Int("write_failures", outcome.failures),
	)

	return outcome, nil
}

// replaySlot writes a single slot in its own transaction.
func (e *Engine) replaySlot(
	ctx context.Context,
	rec ingestion.Record,
	slot ingestion.Slot,
	now time.Time,
) (int64, int64, upsertResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin replay transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	movieID, cinemaID, err := e.resolver.resolveRecord(ctx, tx, rec)
	if err != nil {
		return 0, 0, 0, err
	}

	key := ShowtimeKey{MovieID: movieID, CinemaID: cinemaID, Slot: slot}

	result, err := upsertShowtime(ctx, tx, key, rec.Version, now)
	if err != nil {
		return 0, 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit replay transaction: %w", err)
	}

	return movieID, cinemaID, result, nil
}
