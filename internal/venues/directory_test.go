package venues

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDirectory(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeDirectory(t, `
cinemas:
  - name: CineCiutat
    location: Palma
    island: Mallorca
    address: Carrer de l'Emperadriu Eugènia, 6
    website: https://cineciutat.org
    url: https://cineciutat.org/es/vose
  - name: Cines Sa Pobla
    location: Sa Pobla
    island: Mallorca
    enabled: false
  - name: Cine Mar
    location: Sant Antoni
    island: Ibiza
`)

	directory := Load(path, discardLogger())

	require.Equal(t, 3, directory.Len())

	address, website, ok := directory.CinemaDetails("CineCiutat", "Palma")
	require.True(t, ok)
	assert.Equal(t, "Carrer de l'Emperadriu Eugènia, 6", address)
	assert.Equal(t, "https://cineciutat.org", website)

	_, _, ok = directory.CinemaDetails("CineCiutat", "Manacor")
	assert.False(t, ok, "natural key includes the location")

	enabled := directory.Enabled("")
	require.Len(t, enabled, 2)
	assert.Equal(t, "CineCiutat", enabled[0].Name)
	assert.Equal(t, "Cine Mar", enabled[1].Name)

	ibiza := directory.Enabled(ingestion.IslandIbiza)
	require.Len(t, ibiza, 1)
	assert.Equal(t, "Sant Antoni", ibiza[0].Location)
}

func TestLoad_GracefulDegradation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "missing file",
			path: func(*testing.T) string { return "/nonexistent/venues.yaml" },
		},
		{
			name: "empty file",
			path: func(t *testing.T) string { return writeDirectory(t, "") },
		},
		{
			name: "invalid yaml",
			path: func(t *testing.T) string { return writeDirectory(t, "cinemas: [unclosed") },
		},
		{
			name: "directory instead of file",
			path: func(t *testing.T) string { return t.TempDir() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			directory := Load(tt.path(t), discardLogger())

			require.NotNil(t, directory)
			assert.Equal(t, 0, directory.Len())

			_, _, ok := directory.CinemaDetails("CineCiutat", "Palma")
			assert.False(t, ok)
		})
	}
}

func TestNew_SkipsInvalidEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	directory := New([]Venue{
		{Name: "  Rivoli  ", Location: " Palma ", Island: ingestion.IslandMallorca, Website: "first"},
		{Name: "Rivoli", Location: "Palma", Island: ingestion.IslandMallorca, Website: "duplicate"},
		{Name: "", Location: "Palma"},
		{Name: "Nowhere", Location: "Cabrera", Island: ingestion.Island("Cabrera")},
	}, discardLogger())

	require.Equal(t, 1, directory.Len())

	venue, ok := directory.Lookup("Rivoli", "Palma")
	require.True(t, ok)
	assert.Equal(t, "first", venue.Website)
}

func TestLoadFromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeDirectory(t, `
cinemas:
  - name: Ocimax
    location: Maó
    island: Menorca
`)
	t.Setenv(PathEnvVar, path)

	directory := LoadFromEnv(discardLogger())

	_, ok := directory.Lookup("Ocimax", "Maó")
	assert.True(t, ok)
}

func TestNilDirectory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var directory *Directory

	assert.Equal(t, 0, directory.Len())
	assert.Nil(t, directory.Enabled(""))

	_, _, ok := directory.CinemaDetails("x", "y")
	assert.False(t, ok)
}
