package migrations

import (
	"strings"
	"testing"
)

func TestRegistryMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_reference_registry.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE reference_schema_column",
		"CREATE TABLE reference_query_example",
		"CREATE UNIQUE INDEX idx_reference_schema_column_identity",
		"CREATE INDEX idx_reference_schema_column_position",
		"CREATE INDEX idx_reference_query_example_position",
	}
	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if !strings.Contains(items[1].UpSQL, "CREATE TABLE question_audit") {
		t.Fatalf("migration 2 up SQL = %q", items[1].UpSQL)
	}
}
