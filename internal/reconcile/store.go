// Package reconcile turns validated showtime listings into the deduplicated catalog.
//
// One ingestion cycle runs validate → sweep → resolve/upsert per record → ledger.
// Storage uniqueness constraints are the only source of truth for identity: cycles
// may overlap, and a raced insert is absorbed by replaying the affected record one
// showtime per transaction.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

// Storage-level failures. Store implementations wrap driver errors with these.
var (
	// ErrUniquenessConflict is returned when a write collides with a uniqueness constraint.
	ErrUniquenessConflict = errors.New("uniqueness conflict")

	// ErrStorageUnavailable is returned when the backing store cannot be reached.
	// It aborts the cycle.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRunFinalized is returned when finalizing a run that is already finalized.
	ErrRunFinalized = errors.New("run already finalized")

	// ErrRunNotFound is returned when a run id is unknown to the ledger.
	ErrRunNotFound = errors.New("run not found")
)

type (
	// Store is the catalog write interface used by the engine.
	Store interface {
		// Begin opens a transaction covering one logical write set.
		Begin(ctx context.Context) (Tx, error)

		// DeactivateStale sets active = false on every active showtime dated before today
		// (YYYY-MM-DD) and returns how many rows changed.
		DeactivateStale(ctx context.Context, today string) (int64, error)
	}

	// Tx is a catalog transaction. Rollback after Commit is a no-op.
	Tx interface {
		// ResolveMovie returns the id of the movie with this exact title, creating it
		// when absent. A stored movie without a link gets link backfilled.
		ResolveMovie(ctx context.Context, title, link string) (int64, error)

		// ResolveCinema returns the id of the cinema with this (name, location),
		// creating it when absent.
		ResolveCinema(ctx context.Context, cinema CinemaKey) (int64, error)

		// FindShowtime looks a showtime up by its composite key.
		FindShowtime(ctx context.Context, key ShowtimeKey) (id int64, found bool, err error)

		// TouchShowtime refreshes last_confirmed and forces active = true.
		TouchShowtime(ctx context.Context, id int64, confirmedAt time.Time) error

		// InsertShowtime creates an active showtime. A concurrent insert of the same key
		// surfaces as ErrUniquenessConflict, here or at Commit.
		InsertShowtime(ctx context.Context, key ShowtimeKey, version string, confirmedAt time.Time) error

		Commit() error
		Rollback() error
	}

	// Ledger persists run records. Implementations never read them back into the engine.
	Ledger interface {
		// OpenRun appends a running record.
		OpenRun(ctx context.Context, run *RunRecord) error

		// FinalizeRun records the outcome of an open run. Finalizing twice fails with ErrRunFinalized.
		FinalizeRun(ctx context.Context, run *RunRecord) error
	}

	// CinemaKey identifies a cinema by (Name, Location) and carries its creation attributes.
	CinemaKey struct {
		Name     string
		Location string
		Island   ingestion.Island
		Address  string
		Website  string
	}

	// ShowtimeKey is the composite uniqueness key of a showtime.
	ShowtimeKey struct {
		MovieID  int64
		CinemaID int64
		Slot     ingestion.Slot
	}
)

// isFatal reports whether err must stop the cycle.
func isFatal(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
