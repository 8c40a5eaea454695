package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/internal/project"
)

func TestBuildBucketName(t *testing.T) {
	if got, want := buildBucketName("16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3"), "mbid-16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3"; got != want {
		t.Errorf("buildBucketName() = %q, want %q", got, want)
	}
}

func TestBuildImageFilename(t *testing.T) {
	if got, want := buildImageFilename("mbid-abc", 42, "jpg"), "mbid-abc-42.jpg"; got != want {
		t.Errorf("buildImageFilename() = %q, want %q", got, want)
	}
}

func TestClientBuildS3ItemURL(t *testing.T) {
	c := &client{s3URL: "https://archive.example/{bucket}/{file}"} //nolint:exhaustruct

	got := c.buildS3ItemURL("abc", "index.json")
	want := "https://archive.example/mbid-abc/index.json"

	if got != want {
		t.Errorf("buildS3ItemURL() = %q, want %q", got, want)
	}
}

func TestClientBuildAuthorizationHeader(t *testing.T) {
	cfg, err := config.Load(writeTestINI(t))
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}

	c := newClient(cfg, nil)

	got := c.buildAuthorizationHeader(project.CAA)
	want := "LOW caa-access:caa-secret"

	if got != want {
		t.Errorf("buildAuthorizationHeader() = %q, want %q", got, want)
	}
}

func TestClientBuildMetadataURL(t *testing.T) {
	cfg, err := config.Load(writeTestINI(t))
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}

	c := newClient(cfg, nil)

	got, err := c.buildMetadataURL(project.CAA, "16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3")
	if err != nil {
		t.Fatalf("buildMetadataURL() unexpected error: %v", err)
	}

	want := "https://musicbrainz.example/ws/2/release/16ebbc86-1f5c-46fa-899e-c9a2b6b5d2d3?inc=artists"
	if got != want {
		t.Errorf("buildMetadataURL() = %q, want %q", got, want)
	}
}

// The EAA project's ws_inc_params contains a literal "+" separator
// (e.g. "artist-rels+place-rels"); buildMetadataURL must pass it
// through unescaped rather than percent-encoding it via url.Values.
func TestClientBuildMetadataURLPassesLiteralPlusThrough(t *testing.T) {
	cfg, err := config.Load(writeTestINI(t))
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}

	c := newClient(cfg, nil)

	got, err := c.buildMetadataURL(project.EAA, "abc")
	if err != nil {
		t.Fatalf("buildMetadataURL() unexpected error: %v", err)
	}

	want := "https://musicbrainz.example/ws/2/event/abc?inc=" + project.EAA.WSIncParams
	if got != want {
		t.Errorf("buildMetadataURL() = %q, want %q", got, want)
	}

	if strings.Contains(got, "%2B") {
		t.Errorf("buildMetadataURL() = %q, contains percent-encoded '+'", got)
	}
}

func TestBuildCanonicalEntityURL(t *testing.T) {
	got := buildCanonicalEntityURL(project.EAA, "abc")
	want := "https://musicbrainz.org/event/abc"

	if got != want {
		t.Errorf("buildCanonicalEntityURL() = %q, want %q", got, want)
	}
}

func writeTestINI(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.ini")

	content := `
[database]
url = postgres://localhost/test

[s3]
url = https://archive.example/{bucket}/{file}
caa_access = caa-access
caa_secret = caa-secret
eaa_access = eaa-access
eaa_secret = eaa-secret

[musicbrainz]
url = https://musicbrainz.example
`

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	return path
}
