package main

import (
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// 001_initial_catalog.up.sql / 001_initial_catalog.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	errNoMigrations      = errors.New("no embedded migration files found")
	errInvalidFilename   = errors.New("invalid migration filename")
	errUnpairedMigration = errors.New("migration has no matching counterpart")
	errSequenceGap       = errors.New("gap in migration sequence")
	errChecksumMismatch  = errors.New("migration content changed since it was first validated")
)

type (
	// MigrationSet is the set of schema migrations shipped with the binary.
	// The checksum of each file is pinned on first validation; later validations
	// fail if a file changed underneath a running migrator.
	MigrationSet struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationFile is one parsed migration filename.
	MigrationFile struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewMigrationSet returns a MigrationSet over filesystem, or over the embedded
// SQL files when filesystem is nil.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the filesystem handed to the golang-migrate iofs source.
func (m *MigrationSet) FS() fs.FS {
	return m.fs
}

// Files returns the well-formed migration files in apply order.
// Anything not matching NNN_name.(up|down).sql is ignored.
func (m *MigrationSet) Files() ([]MigrationFile, error) {
	entries, err := fs.ReadDir(m.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []MigrationFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		file, err := parseMigrationFilename(entry.Name())
		if err != nil {
			continue
		}

		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Sequence != files[j].Sequence {
			return files[i].Sequence < files[j].Sequence
		}

		return files[i].Direction > files[j].Direction // up before down
	})

	return files, nil
}

// LatestVersion returns the highest sequence number shipped, or 0.
func (m *MigrationSet) LatestVersion() int {
	files, err := m.Files()
	if err != nil || len(files) == 0 {
		return 0
	}

	return files[len(files)-1].Sequence
}

// Validate checks that migrations exist, come in up/down pairs, start at 001
// with no gaps, and have not changed since the previous call.
func (m *MigrationSet) Validate() error {
	files, err := m.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return errNoMigrations
	}

	if err := validatePairs(files); err != nil {
		return err
	}

	if err := validateSequence(files); err != nil {
		return err
	}

	for _, file := range files {
		content, err := fs.ReadFile(m.fs, file.Filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file.Filename, err)
		}

		sum := blake2b.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if pinned, ok := m.checksums[file.Filename]; ok && pinned != checksum {
			return fmt.Errorf("%w: %s", errChecksumMismatch, file.Filename)
		}

		m.checksums[file.Filename] = checksum
	}

	return nil
}

func parseMigrationFilename(filename string) (MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return MigrationFile{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			errInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return MigrationFile{}, fmt.Errorf("%w: %s: %w", errInvalidFilename, filename, err)
	}

	return MigrationFile{Sequence: sequence, Name: matches[2], Direction: matches[3], Filename: filename}, nil
}

func validatePairs(files []MigrationFile) error {
	directions := make(map[string]map[string]bool)

	for _, file := range files {
		key := fmt.Sprintf("%03d_%s", file.Sequence, file.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][file.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("%w: %s has no up migration", errUnpairedMigration, key)
		}

		if !seen["down"] {
			return fmt.Errorf("%w: %s has no down migration", errUnpairedMigration, key)
		}
	}

	return nil
}

func validateSequence(files []MigrationFile) error {
	expected := 1

	for _, file := range files {
		switch {
		case file.Sequence == expected:
			expected++
		case file.Sequence == expected-1:
			// down file of the sequence just seen
		default:
			return fmt.Errorf("%w: expected %03d, found %03d", errSequenceGap, expected, file.Sequence)
		}
	}

	return nil
}
