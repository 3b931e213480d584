package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

func TestBuildCatalogQuery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name         string
		filter       CatalogFilter
		wantWhere    string
		wantPage     string
		wantArgs     []any
		notContained string
	}{
		{
			name:      "defaults to active showtimes from the database date",
			filter:    CatalogFilter{},
			wantWhere: "WHERE active AND showtime_date >= CURRENT_DATE",
			wantPage:  "LIMIT $1 OFFSET $2",
			wantArgs:  []any{defaultCatalogLimit, 0},
		},
		{
			name:      "today overrides the database date",
			filter:    CatalogFilter{Today: "2026-10-15"},
			wantWhere: "WHERE active AND showtime_date >= $1::date",
			wantPage:  "LIMIT $2 OFFSET $3",
			wantArgs:  []any{"2026-10-15", defaultCatalogLimit, 0},
		},
		{
			name: "every filter",
			filter: CatalogFilter{
				Island:   ingestion.IslandMenorca,
				CinemaID: 7,
				Date:     "2026-10-20",
				FromDate: "2026-10-16",
				Today:    "2026-10-15",
				Limit:    20,
				Offset:   40,
			},
			wantWhere: "WHERE active AND island = $1 AND cinema_id = $2 AND showtime_date = $3::date",
			wantPage:  "LIMIT $4 OFFSET $5",
			wantArgs:  []any{"Menorca", int64(7), "2026-10-20", 20, 40},
		},
		{
			name:         "from date beats today",
			filter:       CatalogFilter{FromDate: "2026-10-01", Today: "2026-10-15", IncludeInactive: true},
			wantWhere:    "WHERE showtime_date >= $1::date",
			wantPage:     "LIMIT $2 OFFSET $3",
			wantArgs:     []any{"2026-10-01", defaultCatalogLimit, 0},
			notContained: "WHERE active",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildCatalogQuery(tt.filter)

			assert.Contains(t, query, tt.wantWhere)
			assert.Contains(t, query, tt.wantPage)
			assert.Contains(t, query, "FROM catalog_showtimes")
			assert.Contains(t, query, "ORDER BY showtime_date, showtime_time, title")
			assert.Equal(t, tt.wantArgs, args)

			if tt.notContained != "" {
				assert.NotContains(t, query, tt.notContained)
			}
		})
	}
}
