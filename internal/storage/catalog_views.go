package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

const defaultCatalogLimit = 500

type (
	// CatalogShowtime is one row of the catalog_showtimes read model.
	//
	//nolint:tagliatelle // snake_case matches the view columns
	CatalogShowtime struct {
		ShowtimeID    int64            `json:"showtime_id"`
		Date          string           `json:"date"`
		Time          string           `json:"time"`
		Version       string           `json:"version"`
		Active        bool             `json:"active"`
		LastConfirmed time.Time        `json:"last_confirmed"`
		MovieID       int64            `json:"movie_id"`
		Title         string           `json:"title"`
		Link          string           `json:"link,omitempty"`
		CinemaID      int64            `json:"cinema_id"`
		CinemaName    string           `json:"cinema_name"`
		Location      string           `json:"location"`
		Island        ingestion.Island `json:"island"`
		Address       string           `json:"address,omitempty"`
		Website       string           `json:"website,omitempty"`
	}

	// CatalogFilter narrows a catalog query. Zero values mean "no filter", except that
	// without Date or FromDate only showtimes from today onward are returned.
	CatalogFilter struct {
		Island          ingestion.Island
		CinemaID        int64
		Date            string // exact date, YYYY-MM-DD
		FromDate        string // inclusive lower bound, YYYY-MM-DD
		Today           string // reference date for the default lower bound
		IncludeInactive bool
		Limit           int
		Offset          int
	}
)

// ListCatalog queries the denormalized showtime × movie × cinema view, ordered by
// date, time and title.
func (s *CatalogStore) ListCatalog(ctx context.Context, filter CatalogFilter) ([]CatalogShowtime, error) {
	query, args := buildCatalogQuery(filter)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", classify(err))
	}

	defer func() {
		_ = rows.Close()
	}()

	var result []CatalogShowtime

	for rows.Next() {
		var (
			row                    CatalogShowtime
			date                   time.Time
			island                 string
			link, address, website sql.NullString
		)

		if err := rows.Scan(
			&row.ShowtimeID, &date, &row.Time, &row.Version, &row.Active, &row.LastConfirmed,
			&row.MovieID, &row.Title, &link,
			&row.CinemaID, &row.CinemaName, &row.Location, &island, &address, &website,
		); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}

		row.Date = date.Format(time.DateOnly)
		row.Island = ingestion.Island(island)
		row.Link = link.String
		row.Address = address.String
		row.Website = website.String

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalog rows: %w", classify(err))
	}

	return result, nil
}

func buildCatalogQuery(filter CatalogFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	arg := func(v any) string {
		args = append(args, v)

		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeInactive {
		conditions = append(conditions, "active")
	}

	if filter.Island != "" {
		conditions = append(conditions, "island = "+arg(string(filter.Island)))
	}

	if filter.CinemaID != 0 {
		conditions = append(conditions, "cinema_id = "+arg(filter.CinemaID))
	}

	switch {
	case filter.Date != "":
		conditions = append(conditions, "showtime_date = "+arg(filter.Date)+"::date")
	case filter.FromDate != "":
		conditions = append(conditions, "showtime_date >= "+arg(filter.FromDate)+"::date")
	case filter.Today != "":
		conditions = append(conditions, "showtime_date >= "+arg(filter.Today)+"::date")
	default:
		conditions = append(conditions, "showtime_date >= CURRENT_DATE")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultCatalogLimit
	}

	query := `
		SELECT showtime_id, showtime_date, showtime_time, version, active, last_confirmed,
		       movie_id, title, link,
		       cinema_id, cinema_name, location, island, address, website
		FROM catalog_showtimes
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY showtime_date, showtime_time, title
		LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	return query, args
}
