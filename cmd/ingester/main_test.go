package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosemovies/showtime-reconciler/internal/reconcile"
	"github.com/vosemovies/showtime-reconciler/internal/source"
	"github.com/vosemovies/showtime-reconciler/internal/storage"
)

func writeBatchFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setIngesterEnv(t *testing.T) {
	t.Helper()

	t.Setenv("RECONCILER_TIMEZONE", "UTC")
	t.Setenv("RECONCILER_CYCLE_TIMEOUT", "30s")
	t.Setenv("RECONCILER_VENUES_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestExecute_DryRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	setIngesterEnv(t)

	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format(time.DateOnly)
	path := writeBatchFile(t, `{
		"collector": "cineciutat",
		"records": [
			{
				"title": "Anora",
				"cinema": "CineCiutat",
				"location": "Palma",
				"island": "Mallorca",
				"scraped_at": "2026-10-15T08:00:00Z",
				"showtimes": [{"date": "`+tomorrow+`", "time": "19:30"}, {"date": "`+tomorrow+`", "time": "7:30 PM"}]
			},
			{"title": "", "cinema": "CineCiutat", "location": "Palma", "island": "Mallorca",
			 "scraped_at": "2026-10-15T08:00:00Z", "showtimes": ["18:00"]}
		]
	}`)

	var out bytes.Buffer

	run, err := execute(context.Background(), options{file: path, dryRun: true, showCatalog: true}, &out, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, reconcile.RunStatusPartial, run.Status)
	assert.Equal(t, "cineciutat", run.Collector)
	assert.Equal(t, 1, run.ShowtimesAdded)
	assert.Equal(t, 0, exitCode(run, err), "a partial cycle exits zero")

	var printed struct {
		Run     map[string]any   `json:"run"`
		Catalog []map[string]any `json:"catalog"`
	}

	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "partial", printed.Run["status"])
	assert.InDelta(t, 1, printed.Run["records_invalid"], 0)
	require.Len(t, printed.Catalog, 1)
	assert.Equal(t, "Anora", printed.Catalog[0]["title"])
	assert.Equal(t, tomorrow, printed.Catalog[0]["date"])
	assert.Equal(t, "19:30", printed.Catalog[0]["time"])
}

func TestExecute_BareArrayUsesCollectorFlag(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	setIngesterEnv(t)

	path := writeBatchFile(t, `[{"title": "Flow", "cinema": "Rivoli", "location": "Palma", "island": "Mallorca",
		"scraped_at": "2026-10-15T08:00:00Z", "showtimes": ["16:00", "18:15"]}]`)

	var out bytes.Buffer

	run, err := execute(context.Background(), options{file: path, collector: "rivoli", dryRun: true}, &out, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "rivoli", run.Collector)
	assert.Equal(t, reconcile.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.ShowtimesAdded)
	assert.NotContains(t, out.String(), `"catalog"`)
}

func TestExecute_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	setIngesterEnv(t)

	var out bytes.Buffer

	_, err := execute(context.Background(), options{dryRun: true}, &out, quietLogger())
	require.ErrorIs(t, err, errMissingBatchFile)

	_, err = execute(context.Background(), options{file: filepath.Join(t.TempDir(), "nope.json"), dryRun: true}, &out, quietLogger())
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(context.Background(), options{file: writeBatchFile(t, `"records"`), dryRun: true}, &out, quietLogger())
	require.ErrorIs(t, err, source.ErrMalformedBatch)

	t.Setenv("RECONCILER_TIMEZONE", "Mars/Olympus")

	_, err = execute(context.Background(), options{file: writeBatchFile(t, `[]`), dryRun: true}, &out, quietLogger())
	require.ErrorIs(t, err, reconcile.ErrInvalidTimezone)

	assert.Empty(t, out.String())
}

func TestExecute_RequiresDatabaseWithoutDryRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	setIngesterEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := execute(context.Background(), options{file: writeBatchFile(t, `[]`)}, io.Discard, quietLogger())
	require.ErrorIs(t, err, storage.ErrDatabaseURLEmpty)
}

func TestExitCode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		run  *reconcile.RunRecord
		err  error
		want int
	}{
		{"success", &reconcile.RunRecord{Status: reconcile.RunStatusSuccess}, nil, 0},
		{"partial", &reconcile.RunRecord{Status: reconcile.RunStatusPartial}, nil, 0},
		{"failed", &reconcile.RunRecord{Status: reconcile.RunStatusFailed}, nil, 1},
		{"timeout", &reconcile.RunRecord{Status: reconcile.RunStatusTimeout}, nil, 1},
		{"error without run", nil, errors.New("boom"), 1},
		{"published", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.run, tt.err))
		})
	}
}
