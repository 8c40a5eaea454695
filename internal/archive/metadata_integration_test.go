package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/internal/project"
)

func TestResolveEntityAndFetchImageRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := testDB.Connection

	const releaseGID = "16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3"

	_, err := conn.ExecContext(ctx, `INSERT INTO cover_art_archive.image_type (mime_type, suffix) VALUES ('image/jpeg', 'jpg')`)
	require.NoError(t, err)

	var artistCreditID, releaseID int64

	require.NoError(t, conn.QueryRowContext(ctx,
		`INSERT INTO musicbrainz.artist_credit (name) VALUES ('Test Artist') RETURNING id`,
	).Scan(&artistCreditID))

	require.NoError(t, conn.QueryRowContext(ctx,
		`INSERT INTO musicbrainz.release (gid, name, artist_credit) VALUES ($1, 'Test Album', $2) RETURNING id`,
		releaseGID, artistCreditID,
	).Scan(&releaseID))

	var artworkID int64

	require.NoError(t, conn.QueryRowContext(ctx,
		`INSERT INTO cover_art_archive.cover_art (release, mime_type, comment, approved) VALUES ($1, 'image/jpeg', 'front cover', TRUE) RETURNING id`,
		releaseID,
	).Scan(&artworkID))

	_, err = conn.ExecContext(ctx,
		`INSERT INTO cover_art_archive.cover_art_type (id, type_id) VALUES ($1, 1)`, artworkID,
	)
	require.NoError(t, err)

	t.Run("resolves by direct gid", func(t *testing.T) {
		entity, found, err := resolveEntity(ctx, conn, project.CAA, releaseGID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, releaseID, entity.ID)
		require.Equal(t, releaseGID, entity.GID)
	})

	t.Run("resolves via gid redirect", func(t *testing.T) {
		const redirectedGID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

		_, err := conn.ExecContext(ctx,
			`INSERT INTO musicbrainz.release_gid_redirect (gid, new_id) VALUES ($1, $2)`,
			redirectedGID, releaseID,
		)
		require.NoError(t, err)

		entity, found, err := resolveEntity(ctx, conn, project.CAA, redirectedGID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, releaseID, entity.ID)
		require.Equal(t, releaseGID, entity.GID)
	})

	t.Run("not found is a silent miss, not an error", func(t *testing.T) {
		_, found, err := resolveEntity(ctx, conn, project.CAA, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("fetches image rows with front/back flags", func(t *testing.T) {
		rows, err := fetchImageRows(ctx, conn, project.CAA, releaseID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, artworkID, rows[0].ArtworkID)
		require.Equal(t, "jpg", rows[0].Suffix)
		require.True(t, rows[0].IsFront)
		require.False(t, rows[0].IsBack)
	})
}
