package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
)

var (
	_ reconcile.Store  = (*MemoryCatalog)(nil)
	_ reconcile.Ledger = (*MemoryCatalog)(nil)
	_ reconcile.Tx     = (*memoryTx)(nil)
)

type (
	// MemoryCatalog is a thread-safe in-memory catalog and run ledger, used for dry runs.
	//
	// Movies and cinemas are created immediately, outside the transaction, which mirrors
	// the storage-level ON CONFLICT resolution. Showtime inserts and touches are buffered
	// per transaction and applied at Commit, where a key committed in the meantime by
	// another transaction fails the whole commit with reconcile.ErrUniquenessConflict.
	MemoryCatalog struct {
		mutex     sync.RWMutex
		nextID    int64
		movies    map[string]*memoryMovie
		cinemas   map[cinemaNaturalKey]*memoryCinema
		showtimes map[reconcile.ShowtimeKey]*ShowtimeRow
		runs      map[uuid.UUID]*reconcile.RunRecord
		runOrder  []uuid.UUID
	}

	// ShowtimeRow is a showtime as stored by MemoryCatalog.
	ShowtimeRow struct {
		ID            int64
		MovieID       int64
		CinemaID      int64
		Slot          ingestion.Slot
		Version       string
		LastConfirmed time.Time
		Active        bool
	}

	memoryMovie struct {
		id    int64
		title string
		link  string
	}

	memoryCinema struct {
		key reconcile.CinemaKey
		id  int64
	}

	cinemaNaturalKey struct {
		name     string
		location string
	}

	memoryTx struct {
		store   *MemoryCatalog
		inserts map[reconcile.ShowtimeKey]*ShowtimeRow
		touches map[int64]time.Time
		done    bool
	}
)

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		movies:    make(map[string]*memoryMovie),
		cinemas:   make(map[cinemaNaturalKey]*memoryCinema),
		showtimes: make(map[reconcile.ShowtimeKey]*ShowtimeRow),
		runs:      make(map[uuid.UUID]*reconcile.RunRecord),
	}
}

// Begin implements reconcile.Store.
func (s *MemoryCatalog) Begin(ctx context.Context) (reconcile.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &memoryTx{
		store:   s,
		inserts: make(map[reconcile.ShowtimeKey]*ShowtimeRow),
		touches: make(map[int64]time.Time),
	}, nil
}

// DeactivateStale implements reconcile.Store.
func (s *MemoryCatalog) DeactivateStale(ctx context.Context, today string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var deactivated int64

	for _, row := range s.showtimes {
		if row.Active && row.Slot.Date < today {
			row.Active = false
			deactivated++
		}
	}

	return deactivated, nil
}

// OpenRun implements reconcile.Ledger.
func (s *MemoryCatalog) OpenRun(_ context.Context, run *reconcile.RunRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("%w: run %s already opened", reconcile.ErrUniquenessConflict, run.ID)
	}

	runCopy := *run
	runCopy.Status = reconcile.RunStatusRunning
	s.runs[run.ID] = &runCopy
	s.runOrder = append(s.runOrder, run.ID)

	return nil
}

// FinalizeRun implements reconcile.Ledger.
func (s *MemoryCatalog) FinalizeRun(_ context.Context, run *reconcile.RunRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, exists := s.runs[run.ID]
	if !exists {
		return fmt.Errorf("%w: %s", reconcile.ErrRunNotFound, run.ID)
	}

	if stored.IsFinal() {
		return fmt.Errorf("%w: %s", reconcile.ErrRunFinalized, run.ID)
	}

	runCopy := *run
	s.runs[run.ID] = &runCopy

	return nil
}

// LatestRun returns the most recently opened run, restricted to collector when it is not empty.
func (s *MemoryCatalog) LatestRun(_ context.Context, collector string) (*reconcile.RunRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if collector == "" || run.Collector == collector {
			runCopy := *run

			return &runCopy, nil
		}
	}

	return nil, fmt.Errorf("%w: latest", reconcile.ErrRunNotFound)
}

// HealthCheck always succeeds.
func (s *MemoryCatalog) HealthCheck(context.Context) error {
	return nil
}

// Showtimes returns copies of every stored showtime ordered by date, time and id.
func (s *MemoryCatalog) Showtimes() []ShowtimeRow {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows := make([]ShowtimeRow, 0, len(s.showtimes))
	for _, row := range s.showtimes {
		rows = append(rows, *row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Slot.Date != b.Slot.Date {
			return a.Slot.Date < b.Slot.Date
		}

		if a.Slot.Time != b.Slot.Time {
			return a.Slot.Time < b.Slot.Time
		}

		return a.ID < b.ID
	})

	return rows
}

// ListCatalog applies filter to the in-memory catalog with the same semantics as
// CatalogStore.ListCatalog, except that without Today the lower bound is the UTC date.
func (s *MemoryCatalog) ListCatalog(ctx context.Context, filter CatalogFilter) ([]CatalogShowtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.RLock()

	movies := make(map[int64]*memoryMovie, len(s.movies))
	for _, movie := range s.movies {
		movies[movie.id] = movie
	}

	cinemas := make(map[int64]*memoryCinema, len(s.cinemas))
	for _, cinema := range s.cinemas {
		cinemas[cinema.id] = cinema
	}

	lowerBound := filter.FromDate
	if lowerBound == "" {
		lowerBound = filter.Today
	}

	if lowerBound == "" {
		lowerBound = time.Now().UTC().Format(time.DateOnly)
	}

	var result []CatalogShowtime

	for _, row := range s.showtimes {
		movie, cinema := movies[row.MovieID], cinemas[row.CinemaID]

		switch {
		case movie == nil || cinema == nil:
			continue
		case !filter.IncludeInactive && !row.Active:
			continue
		case filter.Island != "" && cinema.key.Island != filter.Island:
			continue
		case filter.CinemaID != 0 && cinema.id != filter.CinemaID:
			continue
		case filter.Date != "" && row.Slot.Date != filter.Date:
			continue
		case filter.Date == "" && row.Slot.Date < lowerBound:
			continue
		}

		result = append(result, CatalogShowtime{
			ShowtimeID:    row.ID,
			Date:          row.Slot.Date,
			Time:          row.Slot.Time,
			Version:       row.Version,
			Active:        row.Active,
			LastConfirmed: row.LastConfirmed,
			MovieID:       movie.id,
			Title:         movie.title,
			Link:          movie.link,
			CinemaID:      cinema.id,
			CinemaName:    cinema.key.Name,
			Location:      cinema.key.Location,
			Island:        cinema.key.Island,
			Address:       cinema.key.Address,
			Website:       cinema.key.Website,
		})
	}

	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}

		if a.Time != b.Time {
			return a.Time < b.Time
		}

		return a.Title < b.Title
	})

	return paginate(result, filter.Limit, filter.Offset), nil
}

func paginate(rows []CatalogShowtime, limit, offset int) []CatalogShowtime {
	if limit <= 0 {
		limit = defaultCatalogLimit
	}

	if offset < 0 {
		offset = 0
	}

	if offset >= len(rows) {
		return nil
	}

	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}

	return rows
}

// MovieID returns the id of the movie with this exact title.
func (s *MemoryCatalog) MovieID(title string) (int64, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	movie, ok := s.movies[title]
	if !ok {
		return 0, false
	}

	return movie.id, true
}

// MovieLink returns the stored link of a movie.
func (s *MemoryCatalog) MovieLink(title string) string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if movie, ok := s.movies[title]; ok {
		return movie.link
	}

	return ""
}

// Cinema returns the stored cinema for (name, location).
func (s *MemoryCatalog) Cinema(name, location string) (reconcile.CinemaKey, int64, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cinema, ok := s.cinemas[cinemaNaturalKey{name: name, location: location}]
	if !ok {
		return reconcile.CinemaKey{}, 0, false
	}

	return cinema.key, cinema.id, true
}

// Counts returns the number of movies, cinemas and showtimes.
func (s *MemoryCatalog) Counts() (movies, cinemas, showtimes int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.movies), len(s.cinemas), len(s.showtimes)
}

// Runs returns copies of every ledger row in open order.
func (s *MemoryCatalog) Runs() []reconcile.RunRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	runs := make([]reconcile.RunRecord, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		runs = append(runs, *s.runs[id])
	}

	return runs
}

func (s *MemoryCatalog) allocateID() int64 {
	s.nextID++

	return s.nextID
}

func (t *memoryTx) ResolveMovie(ctx context.Context, title, link string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	movie, exists := t.store.movies[title]
	if !exists {
		movie = &memoryMovie{id: t.store.allocateID(), title: title, link: link}
		t.store.movies[title] = movie

		return movie.id, nil
	}

	if movie.link == "" && link != "" {
		movie.link = link
	}

	return movie.id, nil
}

func (t *memoryTx) ResolveCinema(ctx context.Context, cinema reconcile.CinemaKey) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	key := cinemaNaturalKey{name: cinema.Name, location: cinema.Location}
	if stored, exists := t.store.cinemas[key]; exists {
		return stored.id, nil
	}

	stored := &memoryCinema{key: cinema, id: t.store.allocateID()}
	t.store.cinemas[key] = stored

	return stored.id, nil
}

func (t *memoryTx) FindShowtime(ctx context.Context, key reconcile.ShowtimeKey) (int64, bool, error) {
	if err := t.check(ctx); err != nil {
		return 0, false, err
	}

	if pending, ok := t.inserts[key]; ok {
		return pending.ID, true, nil
	}

	t.store.mutex.RLock()
	defer t.store.mutex.RUnlock()

	if row, ok := t.store.showtimes[key]; ok {
		return row.ID, true, nil
	}

	return 0, false, nil
}

func (t *memoryTx) TouchShowtime(ctx context.Context, id int64, confirmedAt time.Time) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	for _, pending := range t.inserts {
		if pending.ID == id {
			pending.LastConfirmed = confirmedAt

			return nil
		}
	}

	t.touches[id] = confirmedAt

	return nil
}

func (t *memoryTx) InsertShowtime(
	ctx context.Context,
	key reconcile.ShowtimeKey,
	version string,
	confirmedAt time.Time,
) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	if _, ok := t.inserts[key]; ok {
		return fmt.Errorf("%w: showtime %s %s inserted twice", reconcile.ErrUniquenessConflict, key.Slot.Date, key.Slot.Time)
	}

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	if _, ok := t.store.showtimes[key]; ok {
		return fmt.Errorf("%w: showtime %s %s exists", reconcile.ErrUniquenessConflict, key.Slot.Date, key.Slot.Time)
	}

	t.inserts[key] = &ShowtimeRow{
		ID:            t.store.allocateID(),
		MovieID:       key.MovieID,
		CinemaID:      key.CinemaID,
		Slot:          key.Slot,
		Version:       version,
		LastConfirmed: confirmedAt,
		Active:        true,
	}

	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}

	t.done = true

	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()

	for key := range t.inserts {
		if _, exists := t.store.showtimes[key]; exists {
			return fmt.Errorf("%w: showtime %s %s committed concurrently",
				reconcile.ErrUniquenessConflict, key.Slot.Date, key.Slot.Time)
		}
	}

	for key, row := range t.inserts {
		t.store.showtimes[key] = row
	}

	for _, row := range t.store.showtimes {
		if confirmedAt, ok := t.touches[row.ID]; ok {
			row.LastConfirmed = confirmedAt
			row.Active = true
		}
	}

	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true

	return nil
}

func (t *memoryTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}

	return ctx.Err()
}
