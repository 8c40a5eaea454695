// Command indexer runs the artwork-indexer process: it polls the
// durable event queue and performs the side effects each event names
// against the Internet Archive store, generalizing
// original_source/indexer.py's main()/indexer() into a Go process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/metabrainz/artwork-archivist/internal/archive"
	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/internal/project"
	"github.com/metabrainz/artwork-archivist/internal/queue"
	"github.com/metabrainz/artwork-archivist/internal/worker"
	"github.com/metabrainz/artwork-archivist/migrations"
)

func main() {
	var (
		configPath     = flag.String("config", config.GetEnvStr("INDEXER_CONFIG", "config.ini"), "path to config file")
		projectsPath   = flag.String("projects-config", "", "optional path to a YAML projects overlay")
		debug          = flag.Bool("debug", config.GetEnvBool("INDEXER_DEBUG", false), "enable debug logging")
		maxWaitSeconds = flag.Int("max-wait", config.GetEnvInt("INDEXER_MAX_WAIT", 32), "max poll backoff, in seconds") //nolint:mnd
		maxIdleLoops   = flag.Int("max-idle-loops", 0, "stop after this many consecutive empty polls (0 = run forever)")
		setupSchema    = flag.Bool("setup-schema", false, "apply pending migrations and exit")
	)

	flag.Parse()

	level := config.GetEnvLogLevel("INDEXER_LOG_LEVEL", slog.LevelInfo)
	if *debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *configPath, *projectsPath, *maxWaitSeconds, *maxIdleLoops, *setupSchema); err != nil {
		logger.Error("indexer exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("indexer stopped")
}

func run(logger *slog.Logger, configPath, projectsPath string, maxWaitSeconds, maxIdleLoops int, setupSchema bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}

	logger.Info("loaded configuration",
		slog.String("database", cfg.Database.MaskedDatabaseURL()),
		slog.String("musicbrainz_url", cfg.MusicBrainz.URL),
		slog.Bool("sentry_configured", cfg.Sentry.DSN != ""),
	)

	if setupSchema {
		return applyMigrations(logger, cfg)
	}

	db, err := config.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	defer func() { _ = db.Close() }()

	registry, err := buildRegistry(projectsPath)
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}

	dispatcher := &reloadableDispatcher{}
	dispatcher.store(archive.NewDispatcher(registry, cfg))

	store := queue.New(db, logger)
	w := worker.New(db, store, dispatcher, logger)
	w.MaxWait = time.Duration(maxWaitSeconds) * time.Second
	w.MaxIdleLoops = maxIdleLoops

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchForReload(ctx, logger, configPath, projectsPath, dispatcher)

	logger.Info("starting indexer", slog.Duration("max_wait", w.MaxWait))

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("indexer: %w", err)
	}

	return nil
}

func applyMigrations(logger *slog.Logger, cfg *config.Config) error {
	runner, err := migrations.NewRunner(&migrations.Config{
		DatabaseURL:    cfg.Database.DatabaseURL(),
		MigrationTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	defer func() { _ = runner.Close() }()

	if err := runner.Up(); err != nil {
		return fmt.Errorf("indexer: failed to apply migrations: %w", err)
	}

	logger.Info("schema is up to date", slog.Int("max_version", runner.MaxSchemaVersion()))

	return nil
}

func buildRegistry(projectsPath string) (*project.Registry, error) {
	extras, err := project.LoadOverlay(projectsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load projects overlay: %w", err)
	}

	return project.NewRegistry(extras...), nil
}

// reloadableDispatcher lets a SIGHUP config reload swap in a Dispatcher
// built from fresh credentials without restarting the worker loop.
type reloadableDispatcher struct {
	current atomic.Pointer[archive.Dispatcher]
}

func (r *reloadableDispatcher) store(d *archive.Dispatcher) {
	r.current.Store(d)
}

func (r *reloadableDispatcher) Dispatch(ctx context.Context, conn *sql.DB, event queue.Event) error {
	return r.current.Load().Dispatch(ctx, conn, event) //nolint:wrapcheck
}

// watchForReload re-reads the config and projects overlay on SIGHUP,
// matching original_source/indexer.py main()'s reload_configuration
// signal handler.
func watchForReload(ctx context.Context, logger *slog.Logger, configPath, projectsPath string, dispatcher *reloadableDispatcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("received SIGHUP, reloading configuration", slog.String("config", configPath))

			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping previous", slog.String("error", err.Error()))

				continue
			}

			registry, err := buildRegistry(projectsPath)
			if err != nil {
				logger.Error("failed to reload projects overlay, keeping previous", slog.String("error", err.Error()))

				continue
			}

			dispatcher.store(archive.NewDispatcher(registry, cfg))
		}
	}
}
