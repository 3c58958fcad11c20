package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsAreEmbeddedAndReversible(t *testing.T) {
	entries, err := fs.ReadDir(embedMigrations, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}

	pattern := regexp.MustCompile(`^\d{5}_[a-z0-9_]+\.sql$`)
	for _, entry := range entries {
		name := entry.Name()
		if !pattern.MatchString(name) {
			t.Fatalf("migration %s does not follow the NNNNN_name.sql convention", name)
		}

		content, err := fs.ReadFile(embedMigrations, "migrations/"+name)
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		sqlText := string(content)
		if !strings.Contains(sqlText, "-- +goose Up") {
			t.Fatalf("migration %s is missing an Up section", name)
		}
		if !strings.Contains(sqlText, "-- +goose Down") {
			t.Fatalf("migration %s is missing a Down section", name)
		}
	}
}

func TestInitMigrationCoversSyncSchema(t *testing.T) {
	content, err := fs.ReadFile(embedMigrations, "migrations/00001_init.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sqlText := string(content)

	for _, table := range []string{
		"CREATE TABLE users",
		"CREATE TABLE sync_version",
		"CREATE TABLE client_groups",
		"CREATE TABLE clients",
		"CREATE TABLE notes",
		"CREATE TABLE blocks",
		"CREATE TABLE mutation_errors",
	} {
		if !strings.Contains(sqlText, table) {
			t.Fatalf("expected init migration to contain %q", table)
		}
	}
	// The version counter must exist before the first push bumps it.
	if !strings.Contains(sqlText, "INSERT INTO sync_version") {
		t.Fatal("expected init migration to seed the version counter")
	}
}
