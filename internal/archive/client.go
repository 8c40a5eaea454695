// Package archive performs the idempotent HTTP side effects against the
// Internet Archive S3-compatible object store and the MusicBrainz
// metadata webservice, dispatched by entity_type per project.Project.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/metabrainz/artwork-archivist/internal/config"
	"github.com/metabrainz/artwork-archivist/internal/project"
)

const (
	requestConnectTimeout = 10 * time.Second
	requestReadTimeout    = 30 * time.Second

	// imageFileFormat mirrors handlers_base.IMAGE_FILE_FORMAT.
	imageFileFormat = "%s-%d.%s"
)

// client holds the mechanics shared by every project's handler: the
// outbound HTTP client, the S3 item URL template, per-project
// credentials, and a shared rate limiter. Grounded on
// original_source/handlers_base.py's EventHandler base class.
type client struct {
	httpClient *http.Client
	s3URL      string
	s3         config.S3Config
	mb         config.MusicBrainzConfig
	limiter    *rate.Limiter
}

// newClient builds the shared archive client. limiter throttles outbound
// requests to the Internet Archive, generalizing the slower backoff
// schedule's "gentler on remote rate limits" intent into a concrete knob
// on the client side (spec.md §9).
func newClient(cfg *config.Config, limiter *rate.Limiter) *client {
	return &client{
		httpClient: &http.Client{ //nolint:exhaustruct
			Timeout: requestConnectTimeout + requestReadTimeout,
		},
		s3:      cfg.S3,
		mb:      cfg.MusicBrainz,
		s3URL:   cfg.S3.URL,
		limiter: limiter,
	}
}

func (c *client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	return c.limiter.Wait(ctx) //nolint:wrapcheck
}

// buildBucketName returns "{prefix}-{gid}" (spec.md §6.2).
func buildBucketName(gid string) string {
	return fmt.Sprintf("%s-%s", project.BucketPrefix, gid)
}

// buildS3ItemURL fills the configured S3 URL template, which carries
// "{bucket}" and "{file}" placeholders, matching
// handlers_base.py's EventHandler.build_s3_item_url.
func (c *client) buildS3ItemURL(gid, filename string) string {
	replacer := strings.NewReplacer(
		"{bucket}", buildBucketName(gid),
		"{file}", filename,
	)

	return replacer.Replace(c.s3URL)
}

func buildImageFilename(bucket string, artworkID int64, suffix string) string {
	return fmt.Sprintf(imageFileFormat, bucket, artworkID, suffix)
}

// buildAuthorizationHeader returns the "LOW access:secret" credential
// header for the given project, sourced from per-project overrides in
// config.S3Config (handlers_base.py's build_authorization_header).
func (c *client) buildAuthorizationHeader(p project.Project) string {
	return fmt.Sprintf("LOW %s:%s", c.s3.AccessKey(p.Abbr), c.s3.SecretKey(p.Abbr))
}

// buildMetadataURL builds the MusicBrainz webservice URL for an entity,
// matching MusicBrainzEventHandler.build_metadata_url.
func (c *client) buildMetadataURL(p project.Project, gid string) (string, error) {
	base, err := url.Parse(c.mb.URL)
	if err != nil {
		return "", fmt.Errorf("archive: invalid musicbrainz url: %w", err)
	}

	base.Path = fmt.Sprintf("/ws/2/%s/%s", kebab(p.EntityTable), gid)
	// Built manually, not via url.Values.Encode(): the webservice's "inc"
	// parameter uses a literal "+" to separate relationship names
	// (e.g. "artist-rels+place-rels"), and Encode() would percent-escape
	// it to "%2B", changing the requested value.
	base.RawQuery = "inc=" + p.WSIncParams

	return base.String(), nil
}

// buildMetadataHeaders optionally selects a named MusicBrainz database,
// matching MusicBrainzEventHandler.build_metadata_headers.
func (c *client) buildMetadataHeaders() http.Header {
	h := make(http.Header)
	if c.mb.Database != "" {
		h.Set("mb-set-database", c.mb.Database)
	}

	return h
}

// buildCanonicalEntityURL is the public MusicBrainz page for an entity,
// embedded in index.json.
func buildCanonicalEntityURL(p project.Project, gid string) string {
	return fmt.Sprintf("https://musicbrainz.org/%s/%s", kebab(p.EntityTable), gid)
}

func kebab(s string) string {
	return strings.ReplaceAll(s, "_", "-")
}
