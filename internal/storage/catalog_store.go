package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
)

var (
	// CatalogStore implements reconcile.Store (write interface for the catalog).
	_ reconcile.Store = (*CatalogStore)(nil)

	_ reconcile.Tx = (*catalogTx)(nil)
)

type (
	// CatalogStore is the PostgreSQL catalog. Identity rows are created with
	// INSERT ... ON CONFLICT DO NOTHING and read back on conflict, so the unique
	// constraints decide identity even when cycles overlap.
	CatalogStore struct {
		conn *Connection
	}

	catalogTx struct {
		tx *sql.Tx
	}
)

// NewCatalogStore creates a catalog store over conn.
func NewCatalogStore(conn *Connection) (*CatalogStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CatalogStore{conn: conn}, nil
}

// HealthCheck verifies the database is reachable.
func (s *CatalogStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Begin implements reconcile.Store.
func (s *CatalogStore) Begin(ctx context.Context) (reconcile.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}

	return &catalogTx{tx: tx}, nil
}

// DeactivateStale implements reconcile.Store.
func (s *CatalogStore) DeactivateStale(ctx context.Context, today string) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE showtimes
		SET active = FALSE
		WHERE active AND showtime_date < $1::date
	`, today)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale showtimes: %w", classify(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deactivated showtimes: %w", classify(err))
	}

	return affected, nil
}

func (t *catalogTx) ResolveMovie(ctx context.Context, title, link string) (int64, error) {
	var id int64

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO movies (title, link)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (title) DO NOTHING
		RETURNING id
	`, title, link).Scan(&id)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to insert movie: %w", classify(err))
	}

	if err := t.tx.QueryRowContext(ctx, `SELECT id FROM movies WHERE title = $1`, title).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read movie: %w", classify(err))
	}

	if link != "" {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE movies
			SET link = $2, updated_at = NOW()
			WHERE id = $1 AND link IS NULL
		`, id, link); err != nil {
			return 0, fmt.Errorf("failed to backfill movie link: %w", classify(err))
		}
	}

	return id, nil
}

func (t *catalogTx) ResolveCinema(ctx context.Context, cinema reconcile.CinemaKey) (int64, error) {
	var id int64

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO cinemas (name, location, island, address, website)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (name, location) DO NOTHING
		RETURNING id
	`, cinema.Name, cinema.Location, string(cinema.Island), cinema.Address, cinema.Website).Scan(&id)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to insert cinema: %w", classify(err))
	}

	err = t.tx.QueryRowContext(ctx,
		`SELECT id FROM cinemas WHERE name = $1 AND location = $2`,
		cinema.Name, cinema.Location,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read cinema: %w", classify(err))
	}

	return id, nil
}

func (t *catalogTx) FindShowtime(ctx context.Context, key reconcile.ShowtimeKey) (int64, bool, error) {
	var id int64

	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM showtimes
		WHERE movie_id = $1 AND cinema_id = $2 AND showtime_date = $3::date AND showtime_time = $4
	`, key.MovieID, key.CinemaID, key.Slot.Date, key.Slot.Time).Scan(&id)

	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("failed to look up showtime: %w", classify(err))
	}
}

func (t *catalogTx) TouchShowtime(ctx context.Context, id int64, confirmedAt time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE showtimes
		SET last_confirmed = $2, active = TRUE
		WHERE id = $1
	`, id, confirmedAt); err != nil {
		return fmt.Errorf("failed to confirm showtime: %w", classify(err))
	}

	return nil
}

func (t *catalogTx) InsertShowtime(
	ctx context.Context,
	key reconcile.ShowtimeKey,
	version string,
	confirmedAt time.Time,
) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO showtimes (movie_id, cinema_id, showtime_date, showtime_time, version, last_confirmed, active)
		VALUES ($1, $2, $3::date, $4, $5, $6, TRUE)
	`, key.MovieID, key.CinemaID, key.Slot.Date, key.Slot.Time, version, confirmedAt); err != nil {
		return fmt.Errorf("failed to insert showtime: %w", classify(err))
	}

	return nil
}

func (t *catalogTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify(err)
	}

	return nil
}

func (t *catalogTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(err)
	}

	return nil
}
