package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // postgres driver
)

// Runner applies, rolls back, and reports on the embedded schema against a
// live database, via golang-migrate.
type Runner struct {
	config   *Config
	migrate  *migrate.Migrate
	db       *sql.DB
	embedded *EmbeddedMigration
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return true }

var _ migrate.Logger = migrateLogger{}

// NewRunner validates the embedded migration set and opens a connection
// driven by cfg. The caller owns the returned Runner's lifetime and must
// call Close when done.
func NewRunner(cfg *Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embedded := NewEmbeddedMigration(nil)
	if err := embedded.Validate(); err != nil {
		return nil, fmt.Errorf("migrations: embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrations: failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable}) //nolint:exhaustruct
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrations: failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrations: failed to create embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrations: failed to create migrate instance: %w", err)
	}

	m.Log = migrateLogger{}

	return &Runner{config: cfg, migrate: m, db: db, embedded: embedded}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("migrations: pre-up validation failed: %w", err)
	}

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up failed: %w", err)
	}

	return nil
}

// Down rolls back the single most recent migration.
func (r *Runner) Down() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("migrations: pre-down validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: down failed: %w", err)
	}

	return nil
}

// Status reports the current schema version and whether it matches a dirty
// (partially-applied) state.
func (r *Runner) Status() (version int, dirty bool, err error) {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("migrations: failed to read version: %w", err)
	}

	return int(ver), dirty, nil //nolint:gosec
}

// Version is an alias of Status kept for CLI symmetry with golang-migrate's
// own vocabulary.
func (r *Runner) Version() (int, bool, error) {
	return r.Status()
}

// Drop destroys every table golang-migrate knows about. Destructive;
// callers must gate this behind an explicit confirmation flag.
func (r *Runner) Drop() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("migrations: pre-drop validation failed: %w", err)
	}

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("migrations: drop failed: %w", err)
	}

	return nil
}

// MaxSchemaVersion returns the highest migration sequence embedded in this
// binary, used for status reporting.
func (r *Runner) MaxSchemaVersion() int {
	files, err := r.embedded.ListEmbeddedMigrations()
	if err != nil {
		return 0
	}

	max := 0

	for _, f := range files {
		if info, err := r.embedded.parseFilename(f); err == nil && info.Sequence > max {
			max = info.Sequence
		}
	}

	return max
}

// Close releases the underlying source and database handles.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("migrations: source close: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("migrations: db close: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("migrations: connection close: %w", err))
		}
	}

	return errors.Join(errs...)
}
