package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
)

func seedShowtimes(t *testing.T, catalog *storage.MemoryCatalog, slots ...ingestion.Slot) {
	t.Helper()

	ctx := context.Background()

	tx, err := catalog.Begin(ctx)
	require.NoError(t, err)

	movieID, err := tx.ResolveMovie(ctx, "Anora", "")
	require.NoError(t, err)

	cinemaID, err := tx.ResolveCinema(ctx, reconcile.CinemaKey{Name: "CineCiutat", Location: "Palma", Island: ingestion.IslandMallorca})
	require.NoError(t, err)

	for _, slot := range slots {
		key := reconcile.ShowtimeKey{MovieID: movieID, CinemaID: cinemaID, Slot: slot}
		require.NoError(t, tx.InsertShowtime(ctx, key, "VOSE", day15))
	}

	require.NoError(t, tx.Commit())
}

func TestSweeper_Today(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lateEvening := time.Date(2026, 10, 15, 22, 30, 0, 0, time.UTC)
	clock := func() time.Time { return lateEvening }

	utc := reconcile.NewSweeper(storage.NewMemoryCatalog(), clock, nil, discardLogger())
	assert.Equal(t, "2026-10-15", utc.Today())

	ahead := reconcile.NewSweeper(storage.NewMemoryCatalog(), clock, time.FixedZone("CEST", 2*60*60), discardLogger())
	assert.Equal(t, "2026-10-16", ahead.Today())
}

func TestSweeper_Sweep(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	catalog := storage.NewMemoryCatalog()

	seedShowtimes(t, catalog,
		ingestion.Slot{Date: "2026-10-13", Time: "20:00"},
		ingestion.Slot{Date: "2026-10-15", Time: "18:00"},
		ingestion.Slot{Date: "2026-10-15", Time: "00:30"},
		ingestion.Slot{Date: "2026-10-16", Time: "20:00"},
	)

	clock := newTestClock(day15)
	sweeper := reconcile.NewSweeper(catalog, clock.Now, time.UTC, discardLogger())

	deactivated, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deactivated, "showtimes dated today stay active even if their time passed")

	deactivated, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deactivated)

	clock.Set(day16.Add(24 * time.Hour))

	deactivated, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deactivated)

	for _, row := range catalog.Showtimes() {
		assert.False(t, row.Active, row.Slot)
	}

	assert.Len(t, catalog.Showtimes(), 4, "the sweep never deletes rows")
}
