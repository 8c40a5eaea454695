package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/metabrainz/artwork-archivist/internal/config"
)

type catalogFixture struct {
	artistCreditID int64
	releaseID      int64
	releaseGID     string
}

func seedRelease(t *testing.T, db *sql.DB, name string) catalogFixture {
	t.Helper()

	f := catalogFixture{releaseGID: uuid.NewString()} //nolint:exhaustruct

	require.NoError(t, db.QueryRow(
		`INSERT INTO musicbrainz.artist_credit (name) VALUES ($1) RETURNING id`, name,
	).Scan(&f.artistCreditID))

	require.NoError(t, db.QueryRow(
		`INSERT INTO musicbrainz.release (gid, name, artist_credit) VALUES ($1, $2, $3) RETURNING id`,
		f.releaseGID, name, f.artistCreditID,
	).Scan(&f.releaseID))

	return f
}

// TestDuplicateSuppression exercises spec.md §8 S1: three updates to
// release.name, then two to cover_art.comment, produce exactly one
// queued (release, index, {"gid": ...}) row — every later trigger fire
// collapses into the first via event_queue_idx_queued_uniq.
func TestDuplicateSuppression(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	db := testDB.Connection

	_, err := db.ExecContext(ctx, `INSERT INTO cover_art_archive.image_type (mime_type, suffix) VALUES ('image/jpeg', 'jpg')`)
	require.NoError(t, err)

	f := seedRelease(t, db, "Original Name")

	var artworkID int64

	require.NoError(t, db.QueryRow(
		`INSERT INTO cover_art_archive.cover_art (release, mime_type) VALUES ($1, 'image/jpeg') RETURNING id`, f.releaseID,
	).Scan(&artworkID))

	// Draining the insert-triggered index event first isolates the
	// update triggers' own duplicate-suppression behavior.
	_, err = db.ExecContext(ctx, `DELETE FROM artwork_indexer.event_queue`)
	require.NoError(t, err)

	for _, name := range []string{"Renamed Once", "Renamed Twice", "Renamed Thrice"} {
		_, err := db.ExecContext(ctx, `UPDATE musicbrainz.release SET name = $1 WHERE id = $2`, name, f.releaseID)
		require.NoError(t, err)
	}

	for _, comment := range []string{"a", "b"} {
		_, err := db.ExecContext(ctx, `UPDATE cover_art_archive.cover_art SET comment = $1 WHERE id = $2`, comment, artworkID)
		require.NoError(t, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT entity_type, action, message FROM artwork_indexer.event_queue WHERE state = 'queued'`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		entityType string
		action     string
		message    json.RawMessage
	}

	var got []row

	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.entityType, &r.action, &r.message))
		got = append(got, r)
	}

	require.NoError(t, rows.Err())
	require.Len(t, got, 1)
	require.Equal(t, "release", got[0].entityType)
	require.Equal(t, "index", got[0].action)

	var msg struct {
		GID string `json:"gid"`
	}
	require.NoError(t, json.Unmarshal(got[0].message, &msg))
	require.Equal(t, f.releaseGID, msg.GID)
}

// TestMergeSequence exercises spec.md §8 S4: moving artwork id=1 from
// R1 to R2, then deleting R1, produces exactly
// copy_image -> delete_image[copy] -> index(R2)[delete] and
// deindex(R1)[delete], with no further delete_image from the release
// deletion itself (cover_art no longer references R1 by then).
func TestMergeSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	db := testDB.Connection

	_, err := db.ExecContext(ctx, `INSERT INTO cover_art_archive.image_type (mime_type, suffix) VALUES ('image/jpeg', 'jpg')`)
	require.NoError(t, err)

	r1 := seedRelease(t, db, "Release One")
	r2 := seedRelease(t, db, "Release Two")

	var artworkID int64

	require.NoError(t, db.QueryRow(
		`INSERT INTO cover_art_archive.cover_art (release, mime_type) VALUES ($1, 'image/jpeg') RETURNING id`, r1.releaseID,
	).Scan(&artworkID))

	_, err = db.ExecContext(ctx, `DELETE FROM artwork_indexer.event_queue`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE cover_art_archive.cover_art SET release = $1 WHERE id = $2`, r2.releaseID, artworkID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM musicbrainz.release WHERE id = $1`, r1.releaseID)
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `
		SELECT id, action, message, depends_on FROM artwork_indexer.event_queue ORDER BY id
	`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		id        int64
		action    string
		message   json.RawMessage
		dependsOn []int64
	}

	var got []row

	for rows.Next() {
		var r row

		var dependsOn pq.Int64Array

		require.NoError(t, rows.Scan(&r.id, &r.action, &r.message, &dependsOn))
		r.dependsOn = dependsOn
		got = append(got, r)
	}

	require.NoError(t, rows.Err())
	require.Len(t, got, 4, "expected copy_image, delete_image, index(R2), deindex(R1)")

	byAction := make(map[string]row, len(got))
	for _, r := range got {
		byAction[r.action] = r
	}

	copyEvent, ok := byAction["copy_image"]
	require.True(t, ok)
	require.Empty(t, copyEvent.dependsOn)

	deleteEvent, ok := byAction["delete_image"]
	require.True(t, ok)
	require.Equal(t, []int64{copyEvent.id}, deleteEvent.dependsOn)

	indexEvent, ok := byAction["index"]
	require.True(t, ok)
	require.Contains(t, indexEvent.dependsOn, deleteEvent.id)

	var indexMsg struct {
		GID string `json:"gid"`
	}
	require.NoError(t, json.Unmarshal(indexEvent.message, &indexMsg))
	require.Equal(t, r2.releaseGID, indexMsg.GID)

	deindexEvent, ok := byAction["deindex"]
	require.True(t, ok)

	var deindexMsg struct {
		GID string `json:"gid"`
	}
	require.NoError(t, json.Unmarshal(deindexEvent.message, &deindexMsg))
	require.Equal(t, r1.releaseGID, deindexMsg.GID)
}
