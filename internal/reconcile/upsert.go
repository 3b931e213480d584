package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/metrics"
)

type (
	// upsertResult says whether a showtime write created a row or re-affirmed one.
	upsertResult int

	// recordOutcome is what writing one record produced.
	recordOutcome struct {
		movieID   int64
		cinemaID  int64
		slots     int
		added     int
		confirmed int
		conflicts int
		failures  int
	}
)

const (
	upsertInserted upsertResult = iota + 1
	upsertConfirmed
)

func (o *recordOutcome) count(result upsertResult) {
	switch result {
	case upsertInserted:
		o.added++
	case upsertConfirmed:
		o.confirmed++
	}
}

// upsertShowtime is the heartbeat upsert: an existing row gets last_confirmed = now and
// active = true, a missing row is inserted active. Repeating it never adds a row.
func upsertShowtime(
	ctx context.Context,
	tx Tx,
	key ShowtimeKey,
	version string,
	now time.Time,
) (upsertResult, error) {
	id, found, err := tx.FindShowtime(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("find showtime %s %s: %w", key.Slot.Date, key.Slot.Time, err)
	}

	if found {
		if err := tx.TouchShowtime(ctx, id, now); err != nil {
			return 0, fmt.Errorf("touch showtime %d: %w", id, err)
		}

		return upsertConfirmed, nil
	}

	if err := tx.InsertShowtime(ctx, key, version, now); err != nil {
		return 0, fmt.Errorf("insert showtime %s %s: %w", key.Slot.Date, key.Slot.Time, err)
	}

	return upsertInserted, nil
}

// applyRecord writes one record's whole write set in a single transaction: both
// identities, then every distinct slot in first-seen order.
func (e *Engine) applyRecord(
	ctx context.Context,
	rec ingestion.Record,
	slots []ingestion.Slot,
	now time.Time,
) (recordOutcome, error) {
	outcome := recordOutcome{slots: len(slots)}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return outcome, fmt.Errorf("begin record transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	movieID, cinemaID, err := e.resolver.resolveRecord(ctx, tx, rec)
	if err != nil {
		return outcome, err
	}

	for _, slot := range slots {
		key := ShowtimeKey{MovieID: movieID, CinemaID: cinemaID, Slot: slot}

		result, err := upsertShowtime(ctx, tx, key, rec.Version, now)
		if err != nil {
			return outcome, err
		}

		outcome.count(result)
	}

	if err := tx.Commit(); err != nil {
		return outcome, fmt.Errorf("commit record transaction: %w", err)
	}

	outcome.movieID = movieID
	outcome.cinemaID = cinemaID

	metrics.RecordUpserts(outcome.added, outcome.confirmed)

	e.logger.Debug("Record reconciled",
		slog.String("title", rec.Title),
		slog.String("cinema", rec.Cinema),
		slog.Int("showtimes_added", outcome.added),
		slog.Int("showtimes_confirmed", outcome.confirmed),
	)

	return outcome, nil
}
