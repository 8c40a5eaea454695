// Command migrator applies and inspects the artwork archivist's embedded
// SQL schema against a running Postgres instance.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/migrations"
)

var ErrDropRequiresForce = errors.New("migrator: drop requires --force (this destroys all data)")

func main() {
	var (
		showHelp    = flag.Bool("help", false, "show usage")
		showVersion = flag.Bool("version", false, "show the max embedded schema version")
		force       = flag.Bool("force", false, "allow destructive operations")
	)

	flag.Parse()

	cfg := &migrations.Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if *showHelp {
		printUsage()

		return
	}

	args := flag.Args()
	if len(args) == 0 && !*showVersion {
		printUsage()
		os.Exit(1)
	}

	runner, err := migrations.NewRunner(cfg)
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}

	defer func() { _ = runner.Close() }()

	if *showVersion {
		log.Printf("max embedded schema version: v%03d", runner.MaxSchemaVersion())

		return
	}

	if err := execute(args[0], runner, *force); err != nil {
		log.Fatalf("migrator: %v", err)
	}
}

func execute(command string, runner *migrations.Runner, force bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		version, dirty, err := runner.Status()
		if err != nil {
			return err
		}

		log.Printf("schema version: v%03d dirty=%t (max supported v%03d)", version, dirty, runner.MaxSchemaVersion())

		return nil
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		log.Printf("v%03d dirty=%t", version, dirty)

		return nil
	case "drop":
		if !force {
			return ErrDropRequiresForce
		}

		return runner.Drop()
	default:
		return fmt.Errorf("migrator: unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `migrator [OPTIONS] COMMAND

COMMANDS:
    up       apply all pending migrations
    down     roll back the last migration
    status   show current schema version
    version  show current schema version (alias of status)
    drop     drop all tables (destructive, requires --force)

OPTIONS:
    --help     show this message
    --version  show the max embedded schema version this binary supports
    --force    allow destructive operations

ENVIRONMENT:
    DATABASE_URL     postgres connection string (required)
    MIGRATION_TABLE  migration tracking table name (default schema_migrations)
`)
}
