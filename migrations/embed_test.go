package migrations

import (
	"testing"
	"testing/fstest"
)

func mapFS(files map[string]string) fstest.MapFS {
	fs := make(fstest.MapFS, len(files))
	for name, content := range files {
		fs[name] = &fstest.MapFile{Data: []byte(content)} //nolint:exhaustruct
	}

	return fs
}

func TestListEmbeddedMigrations(t *testing.T) {
	fs := mapFS(map[string]string{
		"002_widgets.down.sql": "drop table widgets;",
		"002_widgets.up.sql":   "create table widgets();",
		"001_init.up.sql":      "create table t();",
		"001_init.down.sql":    "drop table t();",
		"README.md":            "not a migration",
	})

	em := NewEmbeddedMigration(fs)

	files, err := em.ListEmbeddedMigrations()
	if err != nil {
		t.Fatalf("ListEmbeddedMigrations() unexpected error: %v", err)
	}

	want := []string{"001_init.down.sql", "001_init.up.sql", "002_widgets.down.sql", "002_widgets.up.sql"}
	if len(files) != len(want) {
		t.Fatalf("ListEmbeddedMigrations() = %v, want %v", files, want)
	}

	for i, f := range files {
		if f != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, f, want[i])
		}
	}
}

func TestValidateRejectsUnpairedMigration(t *testing.T) {
	fs := mapFS(map[string]string{
		"001_init.up.sql": "create table t();",
	})

	if err := NewEmbeddedMigration(fs).Validate(); err == nil {
		t.Fatal("Validate() expected an error for an unpaired migration")
	}
}

func TestValidateRejectsSequenceGap(t *testing.T) {
	fs := mapFS(map[string]string{
		"001_init.up.sql":    "create table t();",
		"001_init.down.sql":  "drop table t();",
		"003_later.up.sql":   "create table u();",
		"003_later.down.sql": "drop table u();",
	})

	if err := NewEmbeddedMigration(fs).Validate(); err == nil {
		t.Fatal("Validate() expected an error for a sequence gap")
	}
}

func TestValidateRejectsNonStandardStart(t *testing.T) {
	fs := mapFS(map[string]string{
		"002_init.up.sql":   "create table t();",
		"002_init.down.sql": "drop table t();",
	})

	if err := NewEmbeddedMigration(fs).Validate(); err == nil {
		t.Fatal("Validate() expected an error when sequence doesn't start at 001")
	}
}

func TestValidateAcceptsWellFormedSet(t *testing.T) {
	fs := mapFS(map[string]string{
		"001_init.up.sql":   "create table t();",
		"001_init.down.sql": "drop table t();",
	})

	if err := NewEmbeddedMigration(fs).Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidateDetectsChecksumDrift(t *testing.T) {
	fs := mapFS(map[string]string{
		"001_init.up.sql":   "create table t();",
		"001_init.down.sql": "drop table t();",
	})

	em := NewEmbeddedMigration(fs)
	if err := em.Validate(); err != nil {
		t.Fatalf("first Validate() unexpected error: %v", err)
	}

	fs["001_init.up.sql"] = &fstest.MapFile{Data: []byte("create table t(id int);")} //nolint:exhaustruct

	if err := em.Validate(); err == nil {
		t.Fatal("second Validate() expected a checksum mismatch error")
	}
}
