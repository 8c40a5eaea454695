package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/internal/project"
	"github.com/metabrainz/artwork-archivist/internal/queue"
)

// ErrNoHandler is returned when an event's entity_type has no registered
// project/handler — a data-integrity problem (a trigger enqueued for a
// project that was since removed from the registry).
var ErrNoHandler = errors.New("archive: no handler registered for entity_type")

// Dispatcher resolves one Handler per project, keyed by entity_type,
// generalizing handlers.py/generate_code.py's EVENT_HANDLER_CLASSES
// dict-of-classes into a dict of (project.Project, shared handler) pairs.
type Dispatcher struct {
	handlers map[string]Handler
}

// DefaultRateLimit caps outbound requests to the archive at roughly one
// every 200ms, matching a conservative single-worker crawl rate; a
// deployment running multiple Worker processes should size this per
// process rather than share one limiter across processes.
const DefaultRateLimit = 5 // requests per second

// NewDispatcher builds a Dispatcher for every project in registry,
// sharing one archive client (and thus one rate limiter and one HTTP
// client) across all of them, per spec.md §5's process-scoped HTTP
// client requirement.
func NewDispatcher(registry *project.Registry, cfg *config.Config) *Dispatcher {
	limiter := rate.NewLimiter(rate.Limit(DefaultRateLimit), 1)
	c := newClient(cfg, limiter)

	d := &Dispatcher{handlers: make(map[string]Handler, len(registry.All()))}

	for _, p := range registry.All() {
		d.handlers[p.EntityType()] = newHandler(c, p)
	}

	return d
}

// Dispatch runs the handler method matching event.Action against the
// handler registered for event.EntityType.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *sql.DB, event queue.Event) error {
	h, ok := d.handlers[event.EntityType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, event.EntityType)
	}

	switch event.Action {
	case queue.ActionIndex:
		return h.Index(ctx, conn, event)
	case queue.ActionCopyImage:
		return h.CopyImage(ctx, conn, event)
	case queue.ActionDeleteImage:
		return h.DeleteImage(ctx, conn, event)
	case queue.ActionDeindex:
		return h.Deindex(ctx, conn, event)
	case queue.ActionNoop:
		return h.Noop(ctx, conn, event)
	default:
		return fmt.Errorf("%w: %s", queue.ErrUnknownAction, event.Action)
	}
}
