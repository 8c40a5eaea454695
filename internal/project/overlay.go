package project

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// overlayDocument is the YAML shape for operator-registered projects,
// generalizing internal/aliasing/config.go's DatasetPattern/Config shape
// from dataset-alias rules to project records.
type overlayDocument struct {
	Projects []overlayProject `yaml:"projects"`
}

type overlayIndexedColumn struct {
	Name     string `yaml:"name"`
	Nullable bool   `yaml:"nullable"`
}

type overlayIndexedMetadata struct {
	Schema   string                 `yaml:"schema"`
	Table    string                 `yaml:"table"`
	Columns  []overlayIndexedColumn `yaml:"columns"`
	OnInsert bool                   `yaml:"on_insert"`
	OnDelete bool                   `yaml:"on_delete"`
	OnUpdate bool                   `yaml:"on_update"`
}

type overlayProject struct {
	Abbr            string                   `yaml:"abbr"`
	ArtSchema       string                   `yaml:"art_schema"`
	ArtTable        string                   `yaml:"art_table"`
	EntitySchema    string                   `yaml:"entity_schema"`
	EntityTable     string                   `yaml:"entity_table"`
	Domain          string                   `yaml:"domain"`
	IACollection    string                   `yaml:"ia_collection"`
	WSIncParams     string                   `yaml:"ws_inc_params"`
	IndexedMetadata []overlayIndexedMetadata `yaml:"indexed_metadata"`
}

func (p overlayProject) toProject() Project {
	triggers := make([]IndexedMetadataTrigger, 0, len(p.IndexedMetadata))

	for _, t := range p.IndexedMetadata {
		cols := make([]IndexedColumn, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, IndexedColumn{Name: c.Name, Nullable: c.Nullable})
		}

		triggers = append(triggers, IndexedMetadataTrigger{
			Schema:   t.Schema,
			Table:    t.Table,
			Columns:  cols,
			OnInsert: t.OnInsert,
			OnDelete: t.OnDelete,
			OnUpdate: t.OnUpdate,
		})
	}

	return Project{
		Abbr:            p.Abbr,
		ArtSchema:       p.ArtSchema,
		ArtTable:        p.ArtTable,
		EntitySchema:    p.EntitySchema,
		EntityTable:     p.EntityTable,
		Domain:          p.Domain,
		IACollection:    p.IACollection,
		WSIncParams:     p.WSIncParams,
		IndexedMetadata: triggers,
	}
}

// LoadOverlay loads additional project records from a YAML file at path,
// following internal/aliasing/config.go's graceful-degradation contract:
// a missing file is fine (projects overlay is optional), an unreadable or
// malformed file logs a warning and falls back to no extra projects.
func LoadOverlay(path string) ([]Project, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from a trusted operator-supplied flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("projects overlay not found, continuing with built-in projects only",
				slog.String("path", path))

			return nil, nil
		}

		slog.Warn("failed to read projects overlay, continuing with built-in projects only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return nil, nil
	}

	if len(data) == 0 {
		return nil, nil
	}

	var doc overlayDocument

	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("failed to parse projects overlay, continuing with built-in projects only",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return nil, nil
	}

	extras := make([]Project, 0, len(doc.Projects))
	for _, p := range doc.Projects {
		extras = append(extras, p.toProject())
	}

	return extras, nil
}
