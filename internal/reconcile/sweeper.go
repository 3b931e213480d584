package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/metrics"
)

// Sweeper retires showtimes whose date has passed.
//
// Deactivation only follows the calendar. A future showtime missing from the latest
// scrape stays active: sources are trusted for additions and re-confirmations, not for
// cancellations.
type Sweeper struct {
	store    Store
	now      func() time.Time
	location *time.Location
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper evaluating "today" with now in loc.
func NewSweeper(store Store, now func() time.Time, loc *time.Location, logger *slog.Logger) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}

	return &Sweeper{store: store, now: now, location: loc, logger: logger}
}

// Today returns the sweeper's current date as YYYY-MM-DD.
func (s *Sweeper) Today() string {
	return s.now().In(s.location).Format(time.DateOnly)
}

// Sweep deactivates every active showtime dated before today. Running it again
// without the date changing deactivates nothing.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	today := s.Today()

	deactivated, err := s.store.DeactivateStale(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("staleness sweep before %s: %w", today, err)
	}

	metrics.RecordStaleDeactivated(deactivated)

	s.logger.Info("Staleness sweep completed",
		slog.String("today", today),
		slog.Int64("deactivated", deactivated),
	)

	return deactivated, nil
}
