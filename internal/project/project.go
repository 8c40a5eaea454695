// Package project holds the per-project records that parameterize the
// shared archive handler: which catalog tables own artwork, which remote
// domain and collection the archive uses, and which source columns feed
// the serialized metadata.
//
// This replaces the class hierarchy of project-specific handler
// subclasses (original_source/handlers.py ReleaseEventHandler,
// EventEventHandler) with data: one handler implementation in
// internal/archive consumes a Project value.
package project

// IndexedMetadataTrigger names one source of indexed-metadata columns:
// a table whose column changes require re-indexing the owning entity,
// the columns that participate (empty for insert/delete-only triggers
// such as release_first_release_date), and whether inserts/deletes alone
// (no column diff is meaningful) should also enqueue an index.
type IndexedMetadataTrigger struct {
	Schema  string
	Table   string
	Columns []IndexedColumn
	// OnInsert/OnDelete mirrors projects.py's tg_ops: ('ins', 'del') entries
	// for tables with no column diff to apply (e.g. first-release-date rows).
	OnInsert bool
	OnDelete bool
	// OnUpdate mirrors tg_ops: ('upd',) — requires Columns to be non-empty.
	OnUpdate bool
}

// IndexedColumn is one column contributing to an entity's serialized
// metadata. Nullable selects whether the trigger predicate uses
// `IS DISTINCT FROM` (nullable columns) or `!=` (NOT NULL columns).
type IndexedColumn struct {
	Name     string
	Nullable bool
}

// Project is the static configuration record for one artwork kind,
// generalizing original_source/projects.py's CAA_PROJECT/EAA_PROJECT
// dicts into a Go value.
type Project struct {
	// Abbr is the short project code used to key per-project S3
	// credential overrides (config.S3Config.AccessKey/SecretKey). The
	// gid-redirect table is named from EntityTable, not Abbr.
	Abbr string

	// ArtSchema/ArtTable identify the table that rows artwork-entity
	// associations (cover_art_archive.cover_art, event_art_archive.event_art).
	ArtSchema string
	ArtTable  string

	// EntitySchema/EntityTable identify the owning catalog entity
	// (musicbrainz.release, musicbrainz.event). EntityTable doubles as
	// the event_queue.entity_type value for this project, matching
	// original_source/handlers.py's ReleaseEventHandler.entity_type /
	// EventEventHandler.entity_type.
	EntitySchema string
	EntityTable  string

	// Domain is the public Internet Archive domain this project's
	// buckets live under (coverartarchive.org, eventartarchive.org).
	Domain string

	// IACollection tags every uploaded item (x-archive-meta-collection).
	IACollection string

	// WSIncParams is the `inc` query parameter sent to the MusicBrainz
	// webservice metadata endpoint (spec.md §6.3).
	WSIncParams string

	// IndexedMetadata lists the tables/columns whose changes require
	// re-indexing entities that currently have artwork.
	IndexedMetadata []IndexedMetadataTrigger
}

// EntityType returns the event_queue.entity_type value this project's
// events are filed under.
func (p Project) EntityType() string {
	return p.EntityTable
}

// BucketPrefix is the gid-name prefix used to build bucket names
// ({prefix}-{gid}, spec.md §6.2). Every MusicBrainz-backed project uses
// "mbid", matching original_source/handlers_base.py
// MusicBrainzEventHandler.gid_name.
const BucketPrefix = "mbid"

// CAA is the cover-art-archive project: release artwork.
var CAA = Project{
	Abbr:         "caa",
	ArtSchema:    "cover_art_archive",
	ArtTable:     "cover_art",
	EntitySchema: "musicbrainz",
	EntityTable:  "release",
	Domain:       "coverartarchive.org",
	IACollection: "coverartarchive",
	WSIncParams:  "artists",
	IndexedMetadata: []IndexedMetadataTrigger{
		{
			Schema: "musicbrainz",
			Table:  "artist",
			Columns: []IndexedColumn{
				{Name: "name", Nullable: false},
				{Name: "sort_name", Nullable: false},
			},
			OnUpdate: true,
		},
		{
			Schema: "musicbrainz",
			Table:  "release",
			Columns: []IndexedColumn{
				{Name: "name", Nullable: false},
				{Name: "artist_credit", Nullable: false},
				{Name: "language", Nullable: true},
				{Name: "barcode", Nullable: true},
			},
			OnUpdate: true,
		},
		{
			Schema: "musicbrainz",
			Table:  "release_meta",
			Columns: []IndexedColumn{
				{Name: "amazon_asin", Nullable: true},
			},
			OnUpdate: true,
		},
		{
			Schema:   "musicbrainz",
			Table:    "release_first_release_date",
			Columns:  nil,
			OnInsert: true,
			OnDelete: true,
		},
	},
}

// EAA is the event-art-archive project: event artwork.
var EAA = Project{
	Abbr:         "eaa",
	ArtSchema:    "event_art_archive",
	ArtTable:     "event_art",
	EntitySchema: "musicbrainz",
	EntityTable:  "event",
	Domain:       "eventartarchive.org",
	IACollection: "eventartarchive",
	WSIncParams:  "artist-rels+place-rels",
	IndexedMetadata: []IndexedMetadataTrigger{
		{
			Schema: "musicbrainz",
			Table:  "event",
			Columns: []IndexedColumn{
				{Name: "name", Nullable: false},
			},
			OnUpdate: true,
		},
	},
}

// Builtin returns the projects wired into every deployment, matching
// original_source/projects.py's PROJECTS tuple.
func Builtin() []Project {
	return []Project{CAA, EAA}
}

// Registry resolves a Project by entity_type, merging the built-in
// projects with any operator-registered overlay (see overlay.go).
type Registry struct {
	byEntityType map[string]Project
}

// NewRegistry builds a Registry from the built-in projects plus any
// extras (typically loaded via LoadOverlay). Extras with an entity_type
// matching a built-in project override it, so an operator can retarget a
// built-in project's S3 domain or collection without forking the binary.
func NewRegistry(extras ...Project) *Registry {
	r := &Registry{byEntityType: make(map[string]Project, len(extras)+2)} //nolint:mnd

	for _, p := range Builtin() {
		r.byEntityType[p.EntityType()] = p
	}

	for _, p := range extras {
		r.byEntityType[p.EntityType()] = p
	}

	return r
}

// Lookup returns the Project registered for entityType, if any.
func (r *Registry) Lookup(entityType string) (Project, bool) {
	p, ok := r.byEntityType[entityType]

	return p, ok
}

// All returns every registered project.
func (r *Registry) All() []Project {
	out := make([]Project, 0, len(r.byEntityType))
	for _, p := range r.byEntityType {
		out = append(out, p)
	}

	return out
}
