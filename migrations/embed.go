// Package migrations embeds the artwork archivist's SQL schema and exposes
// it as a validated golang-migrate source, shared by cmd/migrator and by
// cmd/indexer's --setup-schema flag.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Sentinel errors returned by Validate.
var (
	errNoMigrations      = errors.New("migrations: no embedded migration files found")
	errInvalidFilename   = errors.New("migrations: invalid filename format, expected NNN_name.up.sql or NNN_name.down.sql")
	errUnpairedMigration = errors.New("migrations: unpaired migration")
	errSequenceGap       = errors.New("migrations: gap in migration sequence")
	errChecksumMismatch  = errors.New("migrations: checksum mismatch, file was modified after validation")
)

// EmbeddedMigration wraps the embedded SQL files with filename, pairing,
// sequence, and checksum validation so a malformed migration set fails at
// startup instead of mid-deploy.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string
}

// MigrationInfo is the parsed form of one migration filename.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var embeddedMigrations embed.FS

var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewEmbeddedMigration constructs an EmbeddedMigration over the given
// filesystem. Pass nil to use the build's go:embed'd *.sql files.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the filesystem backing this migration set.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// ListEmbeddedMigrations returns every embedded file matching the strict
// NNN_name.(up|down).sql naming convention, lexicographically sorted.
func (e *EmbeddedMigration) ListEmbeddedMigrations() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read embedded directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs filename, pairing, sequence, and checksum validation
// over the embedded migration set.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return errNoMigrations
	}

	for _, file := range files {
		if _, err := e.content(file); err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", file, err)
		}
	}

	if err := e.validateFilenames(files); err != nil {
		return err
	}

	if err := e.validatePairing(files); err != nil {
		return err
	}

	if err := e.validateSequence(files); err != nil {
		return err
	}

	if len(e.checksums) > 0 {
		if err := e.validateChecksums(files); err != nil {
			return err
		}
	}

	for _, file := range files {
		content, err := e.content(file)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", file, err)
		}

		e.checksums[file] = checksum(content)
	}

	return nil
}

func (e *EmbeddedMigration) content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

func (e *EmbeddedMigration) parseFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd
		return nil, fmt.Errorf("%w: %s", errInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("migrations: invalid sequence in %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func (e *EmbeddedMigration) validateFilenames(files []string) error {
	for _, file := range files {
		if _, err := e.parseFilename(file); err != nil {
			return err
		}
	}

	return nil
}

func (e *EmbeddedMigration) validatePairing(files []string) error {
	byKey := make(map[string]map[string]*MigrationInfo)

	for _, file := range files {
		info, err := e.parseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if byKey[key] == nil {
			byKey[key] = make(map[string]*MigrationInfo)
		}

		byKey[key][info.Direction] = info
	}

	for key, directions := range byKey {
		if _, ok := directions["up"]; !ok {
			return fmt.Errorf("%w: missing up migration for %s", errUnpairedMigration, key)
		}

		if _, ok := directions["down"]; !ok {
			return fmt.Errorf("%w: missing down migration for %s", errUnpairedMigration, key)
		}
	}

	return nil
}

func (e *EmbeddedMigration) validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		info, err := e.parseFilename(file)
		if err != nil {
			return err
		}

		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("%w: sequence starts at %03d, want 001", errSequenceGap, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		expected := sequences[i-1] + 1
		if sequences[i] != expected {
			return fmt.Errorf("%w: expected %03d, found %03d", errSequenceGap, expected, sequences[i])
		}
	}

	return nil
}

func (e *EmbeddedMigration) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := e.content(file)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s for checksum: %w", file, err)
		}

		current := checksum(content)
		if stored, ok := e.checksums[file]; ok && stored != current {
			return fmt.Errorf("%w: %s", errChecksumMismatch, file)
		}
	}

	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)

	return fmt.Sprintf("%x", sum)
}
