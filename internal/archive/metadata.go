package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/metabrainz/artwork-archivist/internal/project"
)

// identRE guards the schema/table names pulled out of project.Project
// before they're interpolated into SQL — these come from the built-in
// projects or an operator-supplied YAML overlay (internal/project/overlay.go),
// never from request data, but are validated anyway since they're string
// concatenated rather than bound as parameters.
var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var errInvalidIdentifier = errors.New("archive: invalid schema/table identifier in project record")

func quoteIdent(s string) (string, error) {
	if !identRE.MatchString(s) {
		return "", fmt.Errorf("%w: %q", errInvalidIdentifier, s)
	}

	return `"` + s + `"`, nil
}

// resolvedEntity is the row fetch_entity_row returns: the entity's
// current id and its current (possibly redirected-to) gid.
type resolvedEntity struct {
	ID  int64
	GID string
}

// resolveEntity follows a GID redirect if one exists, matching
// handlers.py's fetch_entity_row. Returns found=false if neither the
// entity nor a redirect row exists (the entity was deleted after the
// event was enqueued) — callers must treat that as a silent no-op.
func resolveEntity(ctx context.Context, conn *sql.DB, p project.Project, gid string) (resolvedEntity, bool, error) {
	entitySchema, err := quoteIdent(p.EntitySchema)
	if err != nil {
		return resolvedEntity{}, false, err //nolint:exhaustruct
	}

	entityTable, err := quoteIdent(p.EntityTable)
	if err != nil {
		return resolvedEntity{}, false, err //nolint:exhaustruct
	}

	redirectTable, err := quoteIdent(p.EntityTable + "_gid_redirect")
	if err != nil {
		return resolvedEntity{}, false, err //nolint:exhaustruct
	}

	q := fmt.Sprintf(`
		SELECT id, gid FROM %[1]s.%[2]s
		WHERE id IN (
			SELECT new_id FROM %[1]s.%[3]s WHERE gid = $1
			UNION ALL
			SELECT id FROM %[1]s.%[2]s WHERE gid = $1
		)
		LIMIT 1
	`, entitySchema, entityTable, redirectTable)

	var e resolvedEntity

	err = conn.QueryRowContext(ctx, q, gid).Scan(&e.ID, &e.GID)
	if errors.Is(err, sql.ErrNoRows) {
		return resolvedEntity{}, false, nil //nolint:exhaustruct
	}

	if err != nil {
		return resolvedEntity{}, false, fmt.Errorf("archive: resolveEntity: %w", err) //nolint:exhaustruct
	}

	return e, true, nil
}

// imageRow is one row of a project's art_schema.index_listing view,
// joined with cover_art_archive.image_type, matching
// MusicBrainzEventHandler.fetch_image_rows / build_image_json.
type imageRow struct {
	ArtworkID int64
	Suffix    string
	Comment   string
	Approved  bool
	Edit      sql.NullInt64
	IsFront   bool
	IsBack    bool
	Types     []string
}

func fetchImageRows(ctx context.Context, conn *sql.DB, p project.Project, entityID int64) ([]imageRow, error) {
	artSchema, err := quoteIdent(p.ArtSchema)
	if err != nil {
		return nil, err
	}

	entityCol, err := quoteIdent(p.EntityTable)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT l.id, t.suffix, l.comment, l.approved, l.edit, l.is_front, l.is_back, l.types
		FROM %[1]s.index_listing l
		JOIN cover_art_archive.image_type t USING (mime_type)
		WHERE l.%[2]s = $1
		ORDER BY l.ordering
	`, artSchema, entityCol)

	rows, err := conn.QueryContext(ctx, q, entityID)
	if err != nil {
		return nil, fmt.Errorf("archive: fetchImageRows: %w", err)
	}
	defer rows.Close()

	var out []imageRow

	for rows.Next() {
		var r imageRow

		var types pq.StringArray

		if err := rows.Scan(&r.ArtworkID, &r.Suffix, &r.Comment, &r.Approved, &r.Edit, &r.IsFront, &r.IsBack, &types); err != nil {
			return nil, fmt.Errorf("archive: fetchImageRows: scan: %w", err)
		}

		r.Types = types
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: fetchImageRows: %w", err)
	}

	return out, nil
}

func buildImageJSON(p project.Project, gid string, row imageRow) map[string]any {
	j := map[string]any{
		"id":       row.ArtworkID,
		"front":    row.IsFront,
		"comment":  row.Comment,
		"approved": row.Approved,
		"types":    row.Types,
		"image":    buildImageURL(p, gid, row.ArtworkID, "", row.Suffix),
		"thumbnails": map[string]string{
			"small": buildImageURL(p, gid, row.ArtworkID, "250", "jpg"),
			"large": buildImageURL(p, gid, row.ArtworkID, "500", "jpg"),
			"250":   buildImageURL(p, gid, row.ArtworkID, "250", "jpg"),
			"500":   buildImageURL(p, gid, row.ArtworkID, "500", "jpg"),
			"1200":  buildImageURL(p, gid, row.ArtworkID, "1200", "jpg"),
		},
	}

	if row.Edit.Valid {
		j["edit"] = row.Edit.Int64
	} else {
		j["edit"] = nil
	}

	if p.ArtSchema == "cover_art_archive" {
		j["back"] = row.IsBack
	}

	return j
}

func buildImageURL(p project.Project, gid string, artworkID int64, size, suffix string) string {
	sizeSuffix := ""
	if size != "" {
		sizeSuffix = "-" + size
	}

	return fmt.Sprintf("https://%s/%s/%s/%d%s.%s", p.Domain, p.EntityTable, gid, artworkID, sizeSuffix, suffix)
}
