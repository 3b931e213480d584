package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
)

var (
	day15 = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	day16 = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	errBrokenCinema = errors.New("value too long for type character varying(200)")
)

// testClock is a settable clock shared by an engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(
	t *testing.T,
	store reconcile.Store,
	ledger reconcile.Ledger,
	clock *testClock,
	opts ...reconcile.Option,
) *reconcile.Engine {
	t.Helper()

	opts = append([]reconcile.Option{
		reconcile.WithClock(clock.Now),
		reconcile.WithLogger(discardLogger()),
	}, opts...)

	engine, err := reconcile.NewEngine(store, ledger, opts...)
	require.NoError(t, err)

	return engine
}

func listing(title, cinema string, showtimes ...any) ingestion.RawRecord {
	return ingestion.RawRecord{
		"title":      title,
		"cinema":     cinema,
		"location":   "Palma",
		"island":     "Mallorca",
		"scraped_at": "2026-10-15T08:00:00Z",
		"showtimes":  showtimes,
	}
}

func dated(date, clock string) map[string]any {
	return map[string]any{"date": date, "time": clock}
}

func batchOf(records ...ingestion.RawRecord) ingestion.Batch {
	return ingestion.Batch{Collector: "cineciutat", Records: records}
}

// racingStore simulates a concurrent writer: while strikes remain, it commits the
// first showtime a transaction inserted through a separate transaction just before
// that transaction commits.
type racingStore struct {
	*storage.MemoryCatalog

	mu      sync.Mutex
	strikes int
}

type racingTx struct {
	reconcile.Tx

	store    *racingStore
	inserted []reconcile.ShowtimeKey
}

func (s *racingStore) Begin(ctx context.Context) (reconcile.Tx, error) {
	tx, err := s.MemoryCatalog.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &racingTx{Tx: tx, store: s}, nil
}

func (s *racingStore) takeStrike() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.strikes == 0 {
		return false
	}

	s.strikes--

	return true
}

func (t *racingTx) InsertShowtime(
	ctx context.Context,
	key reconcile.ShowtimeKey,
	version string,
	confirmedAt time.Time,
) error {
	if err := t.Tx.InsertShowtime(ctx, key, version, confirmedAt); err != nil {
		return err
	}

	t.inserted = append(t.inserted, key)

	return nil
}

func (t *racingTx) Commit() error {
	if len(t.inserted) > 0 && t.store.takeStrike() {
		rival, err := t.store.MemoryCatalog.Begin(context.Background())
		if err != nil {
			return err
		}

		if err := rival.InsertShowtime(context.Background(), t.inserted[0], "VOSE", day15); err != nil {
			return err
		}

		if err := rival.Commit(); err != nil {
			return err
		}
	}

	return t.Tx.Commit()
}

// faultyStore injects errors into an in-memory catalog.
type faultyStore struct {
	*storage.MemoryCatalog

	mu            sync.Mutex
	sweepErr      error
	beginErrAfter int // fail Begin once this many transactions were opened; 0 disables
	begun         int
	beginErr      error
	brokenCinema  string
}

type faultyTx struct {
	reconcile.Tx

	store *faultyStore
}

func (s *faultyStore) DeactivateStale(ctx context.Context, today string) (int64, error) {
	if s.sweepErr != nil {
		return 0, s.sweepErr
	}

	return s.MemoryCatalog.DeactivateStale(ctx, today)
}

func (s *faultyStore) Begin(ctx context.Context) (reconcile.Tx, error) {
	s.mu.Lock()
	s.begun++
	fail := s.beginErrAfter > 0 && s.begun > s.beginErrAfter
	s.mu.Unlock()

	if fail {
		return nil, s.beginErr
	}

	tx, err := s.MemoryCatalog.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &faultyTx{Tx: tx, store: s}, nil
}

func (t *faultyTx) ResolveCinema(ctx context.Context, cinema reconcile.CinemaKey) (int64, error) {
	if t.store.brokenCinema != "" && cinema.Name == t.store.brokenCinema {
		return 0, errBrokenCinema
	}

	return t.Tx.ResolveCinema(ctx, cinema)
}

// failingLedger rejects every OpenRun.
type failingLedger struct {
	err error
}

func (l failingLedger) OpenRun(context.Context, *reconcile.RunRecord) error {
	return l.err
}

func (l failingLedger) FinalizeRun(context.Context, *reconcile.RunRecord) error {
	return l.err
}

// staticVenues answers CinemaDetails from a fixed map keyed by name.
type staticVenues map[string][2]string

func (v staticVenues) CinemaDetails(name, _ string) (string, string, bool) {
	details, ok := v[name]

	return details[0], details[1], ok
}
