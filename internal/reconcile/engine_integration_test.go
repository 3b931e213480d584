package reconcile_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
)

func setupPostgresEngine(t *testing.T, clock *testClock) (*reconcile.Engine, *storage.Connection) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}

	store, err := storage.NewCatalogStore(conn)
	require.NoError(t, err)

	ledger, err := storage.NewRunLedgerStore(conn)
	require.NoError(t, err)

	return newTestEngine(t, store, ledger, clock), conn
}

func countRows(t *testing.T, conn *storage.Connection, query string, args ...any) int {
	t.Helper()

	var n int

	require.NoError(t, conn.QueryRowContext(context.Background(), query, args...).Scan(&n))

	return n
}

func TestRunCycle_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	clock := newTestClock(day15)
	engine, conn := setupPostgresEngine(t, clock)

	withLink := listing("Anora", "Ocimax", "20:00")
	withLink["link"] = "https://example.com/anora"

	batch := batchOf(
		listing("Anora", "CineCiutat", "19:30", "7:30 PM", dated("2026-10-18", "21:00")),
		withLink,
		listing("", "CineCiutat", "19:30"),
	)

	first, err := engine.RunCycle(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, reconcile.RunStatusPartial, first.Status)
	assert.Equal(t, 1, first.RecordsInvalid)
	assert.Equal(t, 3, first.ShowtimesAdded)
	assert.Equal(t, 1, first.MoviesSeen)
	assert.Equal(t, 2, first.CinemasSeen)

	assert.Equal(t, 1, countRows(t, conn, `SELECT COUNT(*) FROM movies`))
	assert.Equal(t, 2, countRows(t, conn, `SELECT COUNT(*) FROM cinemas`))
	assert.Equal(t, 3, countRows(t, conn, `SELECT COUNT(*) FROM showtimes WHERE active`))
	assert.Equal(t, 1, countRows(t, conn, `SELECT COUNT(*) FROM movies WHERE link = 'https://example.com/anora'`))

	clock.Set(day16)

	second, err := engine.RunCycle(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.StaleDeactivated)
	assert.Equal(t, 2, second.ShowtimesAdded, "the legacy slots now resolve to the new day")
	assert.Equal(t, 1, second.ShowtimesConfirmed)
	assert.Equal(t, 5, countRows(t, conn, `SELECT COUNT(*) FROM showtimes`))
	assert.Equal(t, 3, countRows(t, conn, `SELECT COUNT(*) FROM showtimes WHERE active`))

	assert.Equal(t, 2, countRows(t, conn,
		`SELECT COUNT(*) FROM ingestion_runs WHERE status = 'partial' AND completed_at IS NOT NULL`))

	var digest string

	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT batch_digest FROM ingestion_runs WHERE id = $1`, second.ID).Scan(&digest))
	assert.Equal(t, first.BatchDigest, digest)
}

func TestRunCycle_PostgresConcurrentCycles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	clock := newTestClock(day15)
	engine, conn := setupPostgresEngine(t, clock)

	batch := batchOf(
		listing("Anora", "CineCiutat", "17:00", "19:30", "22:00"),
		listing("Flow", "CineCiutat", "16:00", "18:15"),
		listing("Anora", "Ocimax", "19:30"),
		listing("The Brutalist", "Rivoli", "18:00", dated("2026-10-17", "20:00")),
	)

	const cycles = 4

	var (
		wg   sync.WaitGroup
		runs = make([]*reconcile.RunRecord, cycles)
		errs = make([]error, cycles)
	)

	for i := range cycles {
		wg.Add(1)

		go func() {
			defer wg.Done()

			runs[i], errs[i] = engine.RunCycle(ctx, batch)
		}()
	}

	wg.Wait()

	added := 0

	for i := range cycles {
		require.NoError(t, errs[i])
		assert.Contains(t, []reconcile.RunStatus{reconcile.RunStatusSuccess, reconcile.RunStatusPartial}, runs[i].Status)

		added += runs[i].ShowtimesAdded
	}

	assert.Equal(t, 3, countRows(t, conn, `SELECT COUNT(*) FROM movies`))
	assert.Equal(t, 3, countRows(t, conn, `SELECT COUNT(*) FROM cinemas`))
	assert.Equal(t, 8, countRows(t, conn, `SELECT COUNT(*) FROM showtimes`))
	assert.Equal(t, 8, added, "each showtime was inserted by exactly one cycle")
	assert.Equal(t, cycles, countRows(t, conn, `SELECT COUNT(*) FROM ingestion_runs WHERE status <> 'running'`))
}
