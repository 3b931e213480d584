// Package venues loads the directory of known cinema sources.
//
// The directory is optional. It supplies the address and website recorded when a
// cinema is first created, and lists which cinema pages collectors should visit.
package venues

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

const (
	// DefaultPath is the default location of the venue directory.
	DefaultPath = ".venues.yaml"

	// PathEnvVar names the environment variable overriding DefaultPath.
	PathEnvVar = "RECONCILER_VENUES_PATH"
)

type (
	// Venue is one cinema known to the catalog.
	Venue struct {
		Name     string           `yaml:"name"`
		Location string           `yaml:"location"`
		Island   ingestion.Island `yaml:"island"`
		Address  string           `yaml:"address"`
		Website  string           `yaml:"website"`
		URL      string           `yaml:"url"`
		Enabled  *bool            `yaml:"enabled"`
	}

	// Directory indexes venues by (name, location). The zero value is an empty directory.
	Directory struct {
		venues []Venue
		index  map[venueKey]int
	}

	file struct {
		Cinemas []Venue `yaml:"cinemas"`
	}

	venueKey struct {
		name     string
		location string
	}
)

// IsEnabled reports whether collectors should visit the venue. Venues are enabled unless
// the file says otherwise.
func (v Venue) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// New builds a Directory from venues. Entries without a name or location, or with an
// island outside the catalog, are skipped; a later duplicate of (name, location) is ignored.
func New(venues []Venue, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Directory{index: make(map[venueKey]int)}

	for _, venue := range venues {
		venue.Name = strings.TrimSpace(venue.Name)
		venue.Location = strings.TrimSpace(venue.Location)

		if venue.Name == "" || venue.Location == "" {
			logger.Warn("Skipping venue without name or location", slog.String("name", venue.Name))

			continue
		}

		if venue.Island != "" && !venue.Island.IsValid() {
			logger.Warn("Skipping venue with unknown island",
				slog.String("name", venue.Name),
				slog.String("island", string(venue.Island)))

			continue
		}

		key := venueKey{name: venue.Name, location: venue.Location}
		if _, exists := d.index[key]; exists {
			continue
		}

		d.index[key] = len(d.venues)
		d.venues = append(d.venues, venue)
	}

	return d
}

// Load reads a Directory from the YAML file at path.
//
// A missing, unreadable, empty or malformed file yields an empty directory and no
// error: the directory only enriches cinema rows, it never gates ingestion.
func Load(path string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Venue directory not found, continuing without it", slog.String("path", path))
		} else {
			logger.Warn("Failed to read venue directory, continuing without it",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return New(nil, logger)
	}

	var parsed file
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		logger.Warn("Failed to parse venue directory, continuing without it",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return New(nil, logger)
	}

	directory := New(parsed.Cinemas, logger)

	logger.Info("Loaded venue directory", slog.String("path", path), slog.Int("venues", directory.Len()))

	return directory
}

// LoadFromEnv loads the directory from RECONCILER_VENUES_PATH, defaulting to DefaultPath.
func LoadFromEnv(logger *slog.Logger) *Directory {
	return Load(config.GetEnvStr(PathEnvVar, DefaultPath), logger)
}

// CinemaDetails returns the address and website recorded for (name, location).
func (d *Directory) CinemaDetails(name, location string) (string, string, bool) {
	venue, ok := d.Lookup(name, location)
	if !ok {
		return "", "", false
	}

	return venue.Address, venue.Website, true
}

// Lookup returns the venue for (name, location).
func (d *Directory) Lookup(name, location string) (Venue, bool) {
	if d == nil || d.index == nil {
		return Venue{}, false
	}

	i, ok := d.index[venueKey{name: name, location: location}]
	if !ok {
		return Venue{}, false
	}

	return d.venues[i], true
}

// Enabled returns the venues collectors should visit, optionally restricted to island.
func (d *Directory) Enabled(island ingestion.Island) []Venue {
	if d == nil {
		return nil
	}

	var result []Venue

	for _, venue := range d.venues {
		if !venue.IsEnabled() {
			continue
		}

		if island != "" && venue.Island != island {
			continue
		}

		result = append(result, venue)
	}

	return result
}

// Len returns the number of venues.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}

	return len(d.venues)
}
