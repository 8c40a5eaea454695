// Package worker implements the poll/claim/dispatch loop that drains
// the durable event queue, generalizing
// original_source/indexer.py's indexer() function into a long-running
// Go process component.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metabrainz/artwork-archivist/internal/queue"
)

const (
	// initialSleep is the poll interval used as soon as an event is
	// found, matching indexer.py's sleep_amount reset to 1.
	initialSleep = 1 * time.Second

	// defaultMaxWait caps the exponential backoff applied between polls
	// while the queue is idle, matching indexer.py main()'s --max-wait
	// default.
	defaultMaxWait = 32 * time.Second

	// Worker.Retention and Worker.StuckAfter are passed straight through
	// to the store on every idle loop; see queue.Store's own defaults for
	// the values their zero values select.
)

// store is the subset of *queue.Store the loop depends on, narrowed so
// tests can substitute a fake without a real database.
type store interface {
	ClaimNext(ctx context.Context) (*queue.Event, error)
	Complete(ctx context.Context, eventID int64) error
	Fail(ctx context.Context, eventID int64, cause error) error
	CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error)
	TimeoutStuckRunning(ctx context.Context, maxAge time.Duration) (int64, error)
}

// dispatcher is the subset of *archive.Dispatcher the loop depends on.
type dispatcher interface {
	Dispatch(ctx context.Context, conn *sql.DB, event queue.Event) error
}

// Worker repeatedly claims and dispatches events until its context is
// cancelled or it reaches MaxIdleLoops consecutive empty polls.
type Worker struct {
	db         *sql.DB
	store      store
	dispatcher dispatcher
	logger     *slog.Logger

	// MaxWait caps the exponential poll-interval backoff applied while
	// idle (indexer.py's maxwait argument). Zero selects defaultMaxWait.
	MaxWait time.Duration

	// MaxIdleLoops stops Run after this many consecutive empty polls,
	// after first running maintenance. Zero means unlimited, matching
	// indexer.py's default of math.inf — intended for production;
	// tests and one-shot invocations set a finite value.
	MaxIdleLoops int

	// Retention is passed to CleanupCompleted on every idle loop.
	// Zero selects the store's own default (spec.md §4.5, 90 days).
	Retention time.Duration

	// StuckAfter is passed to TimeoutStuckRunning on every idle loop.
	// Zero selects the store's own default (spec.md §4.5/§8 S6).
	StuckAfter time.Duration
}

// New builds a Worker. db is handed to the dispatcher for every
// dispatched event (handlers read/write the catalog schema directly);
// the Store claims/completes/fails against the same connection pool.
func New(db *sql.DB, s *queue.Store, d dispatcher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{db: db, store: s, dispatcher: d, logger: logger} //nolint:exhaustruct
}

// Run polls until ctx is cancelled, MaxIdleLoops is reached, or ClaimNext
// fails with an error that is not connection-level (connection-level
// errors are logged and retried after the current sleep). It never returns a non-nil error for
// ordinary handler failures — those are recorded via Store.Fail and the
// loop continues — matching indexer.py's run_event_handler, which
// catches every handler exception rather than crashing the process.
func (w *Worker) Run(ctx context.Context) error {
	maxWait := w.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	sleepAmount := initialSleep
	idleLoops := 0

	for {
		if err := sleepCtx(ctx, sleepAmount); err != nil {
			return fmt.Errorf("worker: %w", err)
		}

		event, err := w.store.ClaimNext(ctx)
		if errors.Is(err, queue.ErrNoEventReady) {
			w.runIdleMaintenance(ctx)

			idleLoops++
			if w.MaxIdleLoops > 0 && idleLoops >= w.MaxIdleLoops {
				return nil
			}

			if sleepAmount < maxWait {
				sleepAmount *= 2 //nolint:mnd
				if sleepAmount > maxWait {
					sleepAmount = maxWait
				}

				w.logger.Debug("no event found; backing off", slog.Duration("sleep", sleepAmount))
			}

			continue
		}

		if err != nil {
			if queue.IsConnectionError(err) {
				w.logger.Error("database connection error; retrying", slog.String("error", err.Error()))

				continue
			}

			return fmt.Errorf("worker: failed to claim next event: %w", err)
		}

		sleepAmount = initialSleep
		idleLoops = 0

		w.processEvent(ctx, *event)
	}
}

// processEvent dispatches one already-claimed (state=running) event and
// transitions it to completed or failed, matching indexer.py's
// run_event_handler.
func (w *Worker) processEvent(ctx context.Context, event queue.Event) {
	w.logger.Info("processing event",
		slog.Int64("id", event.ID),
		slog.String("entity_type", event.EntityType),
		slog.String("action", string(event.Action)),
	)

	if err := w.dispatcher.Dispatch(ctx, w.db, event); err != nil {
		w.logger.Error("event handler failed",
			slog.Int64("id", event.ID),
			slog.String("error", err.Error()),
		)

		if failErr := w.store.Fail(ctx, event.ID, err); failErr != nil {
			w.logger.Error("failed to record event failure",
				slog.Int64("id", event.ID),
				slog.String("error", failErr.Error()),
			)
		}

		return
	}

	w.logger.Debug("event finished successfully", slog.Int64("id", event.ID))

	if err := w.store.Complete(ctx, event.ID); err != nil {
		w.logger.Error("failed to mark event completed",
			slog.Int64("id", event.ID),
			slog.String("error", err.Error()),
		)
	}
}

// runIdleMaintenance performs the housekeeping indexer.py's cleanup_events
// runs whenever a poll finds nothing to do: garbage-collect old completed
// events and recover events abandoned by a crashed worker.
func (w *Worker) runIdleMaintenance(ctx context.Context) {
	if n, err := w.store.CleanupCompleted(ctx, w.Retention); err != nil {
		w.logger.Error("cleanup of completed events failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Debug("deleted old completed events", slog.Int64("count", n))
	}

	if n, err := w.store.TimeoutStuckRunning(ctx, w.StuckAfter); err != nil {
		w.logger.Error("timeout sweep of stuck running events failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Warn("timed out stuck running events", slog.Int64("count", n))
	}
}

// sleepCtx sleeps for d, returning ctx.Err() early if ctx is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-timer.C:
		return nil
	}
}
