package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Maintenance batching constants, generalized from
// internal/storage/lineage_store.go's cleanupExpiredIdempotencyKeys
// (same batch size / inter-batch sleep, applied here to completed-event
// retention instead of idempotency-key TTL).
const (
	cleanupBatchSize   = 10000
	batchSleepDuration = 100 * time.Millisecond

	// defaultRetention is the minimum age (spec.md §4.5) before a
	// completed event becomes eligible for garbage collection.
	defaultRetention = 90 * 24 * time.Hour

	// defaultStuckAfter is the threshold (spec.md §4.5/§8 S6) past which
	// a running event is presumed to have been abandoned by a crashed
	// worker.
	defaultStuckAfter = 150 * time.Second // 2.5 minutes
)

// Store wraps a *sql.DB with the queue's claim/complete/fail/maintenance
// operations, grounded on internal/storage/lineage_store.go's
// row-lock-then-release-before-I/O discipline.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an existing *sql.DB. The Store never owns the connection's
// lifecycle; the caller (cmd/indexer, which opens it) is responsible for
// closing it.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{db: db, logger: logger}
}

// ClaimNext selects and locks the single most-ready event (spec.md §4.2),
// transitions it to running, increments attempts, and commits before
// returning — the handler's network I/O always happens outside this
// transaction. Before selecting, it lazily cascades any queued event
// whose parent has already failed (spec.md §4.4's lazy-cascade option;
// see DESIGN.md Open Question decisions).
//
// Returns ErrNoEventReady (wrapped, check with errors.Is) if nothing is
// currently ready.
func (s *Store) ClaimNext(ctx context.Context) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := cascadeFailBlocked(ctx, tx); err != nil {
		return nil, fmt.Errorf("queue: failed to cascade failed parents: %w", err)
	}

	event, err := selectReadyEvent(ctx, tx)
	if err != nil {
		return nil, err
	}

	const claimQuery = `
		UPDATE event_queue
		SET state = 'running', attempts = attempts + 1, last_updated = now()
		WHERE id = $1
		RETURNING attempts, last_updated
	`

	if err := tx.QueryRowContext(ctx, claimQuery, event.ID).Scan(&event.Attempts, &event.LastUpdated); err != nil {
		return nil, fmt.Errorf("queue: failed to claim event %d: %w", event.ID, err)
	}

	event.State = StateRunning

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: failed to commit claim of event %d: %w", event.ID, err)
	}

	return event, nil
}

// selectReadyEvent runs the FOR UPDATE SKIP LOCKED selector
// (spec.md §4.2/§6.1, original_source/indexer.py get_next_event) inside
// tx, returning ErrNoEventReady if the result set is empty.
func selectReadyEvent(ctx context.Context, tx *sql.Tx) (*Event, error) {
	const query = `
		SELECT id, state, entity_type, action, message, depends_on, attempts, created, last_updated
		FROM event_queue eq
		WHERE eq.state = 'queued'
		AND eq.attempts < $1
		AND eq.last_updated <= (now() - (interval '30 minutes' * 2 * eq.attempts))
		AND (eq.depends_on IS NULL OR NOT EXISTS (
			SELECT 1
			FROM event_queue parent_eq
			WHERE array_position(eq.depends_on, parent_eq.id) IS NOT NULL
			AND parent_eq.state != 'completed'
		))
		ORDER BY eq.created, eq.id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	row := tx.QueryRowContext(ctx, query, MaxAttempts)

	event := &Event{} //nolint:exhaustruct

	var dependsOn pq.Int64Array

	err := row.Scan(
		&event.ID, &event.State, &event.EntityType, &event.Action, &event.Message,
		&dependsOn, &event.Attempts, &event.Created, &event.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: %w", ErrNoEventReady)
	}

	if err != nil {
		return nil, fmt.Errorf("queue: failed to select next event: %w", err)
	}

	event.DependsOn = []int64(dependsOn)

	return event, nil
}

// cascadeFailBlocked marks queued events failed when any parent they
// depend on has already failed, recording a reason naming the failed
// parent (spec.md §4.4: "depended on <parent_id> which failed").
func cascadeFailBlocked(ctx context.Context, tx *sql.Tx) error {
	const selectBlocked = `
		SELECT eq.id, parent_eq.id
		FROM event_queue eq
		JOIN event_queue parent_eq
			ON array_position(eq.depends_on, parent_eq.id) IS NOT NULL
		WHERE eq.state = 'queued'
		AND parent_eq.state = 'failed'
	`

	rows, err := tx.QueryContext(ctx, selectBlocked)
	if err != nil {
		return fmt.Errorf("failed to find cascade candidates: %w", err)
	}

	type blocked struct {
		childID  int64
		parentID int64
	}

	var candidates []blocked

	for rows.Next() {
		var b blocked
		if err := rows.Scan(&b.childID, &b.parentID); err != nil {
			_ = rows.Close()

			return fmt.Errorf("failed to scan cascade candidate: %w", err)
		}

		candidates = append(candidates, b)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate cascade candidates: %w", err)
	}

	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to close cascade candidate rows: %w", err)
	}

	for _, b := range candidates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_queue SET state = 'failed', last_updated = now() WHERE id = $1 AND state = 'queued'`,
			b.childID,
		); err != nil {
			return fmt.Errorf("failed to cascade-fail event %d: %w", b.childID, err)
		}

		reason := fmt.Sprintf("depended on %d which failed", b.parentID)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_failure_reason (event, failure_reason) VALUES ($1, $2)`,
			b.childID, reason,
		); err != nil {
			return fmt.Errorf("failed to record cascade failure reason for event %d: %w", b.childID, err)
		}
	}

	return nil
}

// Complete transitions a running event to completed (spec.md §4.4).
// Returns ErrInvalidStateTransition if the row is not currently running.
func (s *Store) Complete(ctx context.Context, eventID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_queue SET state = 'completed', last_updated = now() WHERE id = $1 AND state = 'running'`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("queue: failed to complete event %d: %w", eventID, err)
	}

	return requireOneRowAffected(res, eventID)
}

// Fail records a failure reason and applies the retry policy (spec.md
// §4.4): the event becomes failed if it has exhausted MaxAttempts or a
// duplicate is already queued; otherwise it returns to queued to be
// retried after backoff.
func (s *Store) Fail(ctx context.Context, eventID int64, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: failed to begin fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_failure_reason (event, failure_reason) VALUES ($1, $2)`,
		eventID, cause.Error(),
	); err != nil {
		return fmt.Errorf("queue: failed to record failure reason for event %d: %w", eventID, err)
	}

	const query = `
		UPDATE event_queue eq
		SET state = (
			CASE WHEN eq.attempts >= $2 OR EXISTS (
				SELECT 1
				FROM event_queue dup
				WHERE dup.state = 'queued'
				AND dup.entity_type = eq.entity_type
				AND dup.action = eq.action
				AND dup.message = eq.message
				AND dup.id != $1
			) THEN 'failed' ELSE 'queued' END
		)::event_state,
		last_updated = now()
		WHERE eq.id = $1
	`

	res, err := tx.ExecContext(ctx, query, eventID, MaxAttempts)
	if err != nil {
		return fmt.Errorf("queue: failed to apply retry policy for event %d: %w", eventID, err)
	}

	if err := requireOneRowAffected(res, eventID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: failed to commit failure of event %d: %w", eventID, err)
	}

	return nil
}

// CleanupCompleted deletes completed events older than retention,
// batched to avoid long-running locks, mirroring
// internal/storage/lineage_store.go's cleanupExpiredIdempotencyKeys.
// Returns the total number of rows deleted.
func (s *Store) CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = defaultRetention
	}

	var total int64

	for {
		if ctx.Err() != nil {
			return total, fmt.Errorf("queue: cleanup cancelled: %w", ctx.Err())
		}

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM event_queue
			WHERE id IN (
				SELECT id FROM event_queue
				WHERE state = 'completed'
				AND (now() - created) > make_interval(secs => $1)
				ORDER BY created ASC
				LIMIT $2
			)
		`, retention.Seconds(), cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("queue: failed to cleanup completed events: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("queue: failed to count deleted events: %w", err)
		}

		total += n

		if n < cleanupBatchSize {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, fmt.Errorf("queue: cleanup cancelled: %w", ctx.Err())
		case <-time.After(batchSleepDuration):
		}
	}
}

// TimeoutStuckRunning transitions running events whose last_updated -
// created exceeds maxAge to failed, recovering from crashed workers
// (spec.md §4.5/§8 S6). Returns the number of rows transitioned.
func (s *Store) TimeoutStuckRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = defaultStuckAfter
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: failed to begin timeout transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, EXTRACT(EPOCH FROM (last_updated - created))
		FROM event_queue
		WHERE state = 'running'
		AND (last_updated - created) > make_interval(secs => $1)
		FOR UPDATE
	`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("queue: failed to find stuck running events: %w", err)
	}

	type stuck struct {
		id           int64
		durationSecs float64
	}

	var candidates []stuck

	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.durationSecs); err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("queue: failed to scan stuck running event: %w", err)
		}

		candidates = append(candidates, s)
	}

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("queue: failed to iterate stuck running events: %w", err)
	}

	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("queue: failed to close stuck running event rows: %w", err)
	}

	for _, c := range candidates {
		duration := time.Duration(c.durationSecs * float64(time.Second))
		reason := fmt.Sprintf("event has been running for more than 2.5 minutes (%s)", duration)

		if _, err := tx.ExecContext(ctx,
			`UPDATE event_queue SET state = 'failed', last_updated = now() WHERE id = $1`,
			c.id,
		); err != nil {
			return 0, fmt.Errorf("queue: failed to timeout stuck event %d: %w", c.id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_failure_reason (event, failure_reason) VALUES ($1, $2)`,
			c.id, reason,
		); err != nil {
			return 0, fmt.Errorf("queue: failed to record timeout reason for event %d: %w", c.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: failed to commit timeout of stuck events: %w", err)
	}

	return int64(len(candidates)), nil
}

// requireOneRowAffected returns ErrInvalidStateTransition if the update
// touched no rows — the row either doesn't exist or wasn't in the state
// the caller expected.
func requireOneRowAffected(res sql.Result, eventID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: failed to read rows affected for event %d: %w", eventID, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: event %d", ErrInvalidStateTransition, eventID)
	}

	return nil
}

// IsConnectionError reports whether err indicates the database
// connection itself failed (Class 08 per PostgreSQL), as opposed to a
// query-level error — mirrors
// internal/storage/lineage_store.go's isDatabaseConnectionError,
// reused by internal/worker to decide when to retry in place with a
// short fixed sleep (spec.md §7).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
