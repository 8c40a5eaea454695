package archive

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/metabrainz/artwork-archivist/internal/project"
	"github.com/metabrainz/artwork-archivist/internal/queue"
)

// ErrPreconditionViolation is returned by DeleteImage when a later,
// still-queued copy_image event wants to copy the same image —
// deleting it first would corrupt that copy. Matches handlers_base.py
// delete_image's explicit safety check.
var ErrPreconditionViolation = errors.New("archive: precondition violation")

// ErrUploadFailed / ErrFetchFailed wrap non-2xx responses from the
// archive or the MusicBrainz webservice, respectively.
var (
	ErrUploadFailed = errors.New("archive: upload failed")
	ErrFetchFailed  = errors.New("archive: fetch failed")
	ErrDeleteFailed = errors.New("archive: delete failed")
)

// Handler performs the five side-effectful actions spec.md §3 names,
// scoped to one project. Every method is idempotent: re-running a
// completed action against the archive is expected to succeed the same
// way (spec.md §8 round-trip properties).
type Handler interface {
	Index(ctx context.Context, conn *sql.DB, event queue.Event) error
	CopyImage(ctx context.Context, conn *sql.DB, event queue.Event) error
	DeleteImage(ctx context.Context, conn *sql.DB, event queue.Event) error
	Deindex(ctx context.Context, conn *sql.DB, event queue.Event) error
	Noop(ctx context.Context, conn *sql.DB, event queue.Event) error
}

// handler is the single Handler implementation shared by every project,
// generalizing handlers_base.py's EventHandler/MusicBrainzEventHandler
// base class plus the per-project subclasses generate_code.py used to
// produce into one implementation parameterized by project.Project.
type handler struct {
	client  *client
	project project.Project
}

// newHandler builds the handler for one project, sharing the archive
// client's connection pool and rate limiter across all projects.
func newHandler(c *client, p project.Project) *handler {
	return &handler{client: c, project: p}
}

func (h *handler) Index(ctx context.Context, conn *sql.DB, event queue.Event) error {
	msg, err := messageAs[queue.IndexMessage](event)
	if err != nil {
		return err
	}

	entity, found, err := resolveEntity(ctx, conn, h.project, msg.GID)
	if err != nil {
		return err
	}

	if !found {
		// The entity was deleted after this event was enqueued;
		// handlers.py's index treats this as a silent no-op.
		return nil
	}

	gid := entity.GID

	rows, err := fetchImageRows(ctx, conn, h.project, entity.ID)
	if err != nil {
		return err
	}

	images := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		images = append(images, buildImageJSON(h.project, gid, row))
	}

	body := map[string]any{
		"images":                     images,
		kebab(h.project.EntityTable): buildCanonicalEntityURL(h.project, gid),
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("archive: marshal index.json: %w", err)
	}

	if err := h.put(ctx, h.client.buildS3ItemURL(gid, "index.json"), encoded, http.Header{
		"content-type":             {"application/json; charset=UTF-8"},
		"x-archive-meta-mediatype": {"image"},
		"x-archive-meta-noindex":   {"true"},
	}); err != nil {
		return err
	}

	metadataURL, err := h.client.buildMetadataURL(h.project, gid)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return fmt.Errorf("archive: build metadata request: %w", err)
	}

	req.Header = h.client.buildMetadataHeaders()

	if err := h.client.wait(ctx); err != nil {
		return fmt.Errorf("archive: rate limiter: %w", err)
	}

	resp, err := h.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("archive: fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	metadata, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("archive: read metadata body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 { //nolint:mnd
		return fmt.Errorf("%w: %s: status %d", ErrFetchFailed, metadataURL, resp.StatusCode)
	}

	metadataFilename := buildBucketName(gid) + "_mb_metadata.xml"

	return h.put(ctx, h.client.buildS3ItemURL(gid, metadataFilename), metadata, http.Header{
		"content-type":             {"application/xml; charset=UTF-8"},
		"x-archive-meta-mediatype": {"image"},
		"x-archive-meta-noindex":   {"true"},
	})
}

func (h *handler) CopyImage(ctx context.Context, _ *sql.DB, event queue.Event) error {
	msg, err := messageAs[queue.CopyImageMessage](event)
	if err != nil {
		return err
	}

	oldBucket := buildBucketName(msg.OldGID)
	oldFile := buildImageFilename(oldBucket, msg.ArtworkID, msg.Suffix)
	newFile := buildImageFilename(buildBucketName(msg.NewGID), msg.ArtworkID, msg.Suffix)
	sourcePath := fmt.Sprintf("/%s/%s", oldBucket, oldFile)

	targetURL := h.client.buildS3ItemURL(msg.NewGID, newFile)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, nil)
	if err != nil {
		return fmt.Errorf("archive: build copy request: %w", err)
	}

	req.Header.Set("authorization", h.client.buildAuthorizationHeader(h.project))
	req.Header.Set("x-amz-copy-source", sourcePath)
	req.Header.Set("x-archive-auto-make-bucket", "1")
	req.Header.Set("x-archive-keep-old-version", "1")
	req.Header.Set("x-archive-meta-collection", h.project.IACollection)
	req.Header.Set("x-archive-meta-mediatype", "image")
	req.Header.Set("x-archive-meta-noindex", "true")

	return h.do(ctx, req, ErrUploadFailed)
}

func (h *handler) DeleteImage(ctx context.Context, conn *sql.DB, event queue.Event) error {
	msg, err := messageAs[queue.DeleteImageMessage](event)
	if err != nil {
		return err
	}

	if event.DependsOn == nil {
		blocked, err := laterCopyImageEventExists(ctx, conn, event, msg)
		if err != nil {
			return err
		}

		if blocked {
			return fmt.Errorf("%w: a later copy_image event exists for artwork %d", ErrPreconditionViolation, msg.ArtworkID)
		}
	}

	filename := buildImageFilename(buildBucketName(msg.GID), msg.ArtworkID, msg.Suffix)
	targetURL := h.client.buildS3ItemURL(msg.GID, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, targetURL, nil)
	if err != nil {
		return fmt.Errorf("archive: build delete request: %w", err)
	}

	req.Header.Set("authorization", h.client.buildAuthorizationHeader(h.project))
	req.Header.Set("x-archive-keep-old-version", "1")
	req.Header.Set("x-archive-cascade-delete", "1")

	return h.do(ctx, req, ErrDeleteFailed)
}

func (h *handler) Deindex(ctx context.Context, _ *sql.DB, event queue.Event) error {
	msg, err := messageAs[queue.IndexMessage](event)
	if err != nil {
		return err
	}

	targetURL := h.client.buildS3ItemURL(msg.GID, "index.json")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, targetURL, nil)
	if err != nil {
		return fmt.Errorf("archive: build deindex request: %w", err)
	}

	req.Header.Set("authorization", h.client.buildAuthorizationHeader(h.project))
	req.Header.Set("x-archive-keep-old-version", "1")
	req.Header.Set("x-archive-cascade-delete", "1")

	return h.do(ctx, req, ErrDeleteFailed)
}

// Noop drives the retry/backoff machinery for tests and operator tooling
// without touching the archive, matching handlers_base.py EventHandler.noop.
func (h *handler) Noop(ctx context.Context, _ *sql.DB, event queue.Event) error {
	msg, err := messageAs[queue.NoopMessage](event)
	if err != nil {
		return err
	}

	if msg.Sleep > 0 {
		timer := time.NewTimer(msg.Sleep)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-timer.C:
		}
	}

	if msg.Fail {
		return errNoopFailure
	}

	return nil
}

var errNoopFailure = errors.New("archive: noop failure (requested by message)")

func (h *handler) put(ctx context.Context, targetURL string, body []byte, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive: build upload request: %w", err)
	}

	req.Header = headers
	req.Header.Set("authorization", h.client.buildAuthorizationHeader(h.project))
	req.Header.Set("x-archive-auto-make-bucket", "1")
	req.Header.Set("x-archive-keep-old-version", "1")
	req.Header.Set("x-archive-meta-collection", h.project.IACollection)

	return h.do(ctx, req, ErrUploadFailed)
}

func (h *handler) do(ctx context.Context, req *http.Request, failErr error) error {
	if err := h.client.wait(ctx); err != nil {
		return fmt.Errorf("archive: rate limiter: %w", err)
	}

	resp, err := h.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", failErr, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 { //nolint:mnd
		return fmt.Errorf("%w: %s: status %d", failErr, req.URL, resp.StatusCode)
	}

	return nil
}

func messageAs[T any](event queue.Event) (T, error) {
	var zero T

	parsed, err := queue.ParseMessage(event)
	if err != nil {
		return zero, fmt.Errorf("archive: %w", err)
	}

	msg, ok := parsed.(T)
	if !ok {
		return zero, fmt.Errorf("archive: event %d: message shape %T does not match expected %T", event.ID, parsed, zero)
	}

	return msg, nil
}

func laterCopyImageEventExists(ctx context.Context, conn *sql.DB, event queue.Event, msg queue.DeleteImageMessage) (bool, error) {
	const q = `
		SELECT 1 FROM artwork_indexer.event_queue eq
		WHERE eq.state = 'queued'
		AND eq.action = 'copy_image'
		AND eq.created > $1
		AND (eq.message->>'artwork_id')::bigint = $2
		AND eq.message->>'old_gid' = $3
		AND eq.message->>'suffix' = $4
		LIMIT 1
	`

	var found int

	err := conn.QueryRowContext(ctx, q, event.Created, msg.ArtworkID, msg.GID, msg.Suffix).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("archive: laterCopyImageEventExists: %w", err)
	}

	return true, nil
}
