package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agterm-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "sessions")
	assertTableExists(t, database.SQL(), "session_commands")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") error = nil, want error")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != "2" {
		t.Fatalf("schema version = %s, want 2", version)
	}
}

func TestStringSliceRoundTripPreservesEmpty(t *testing.T) {
	raw, err := encodeStringSlice(nil)
	if err != nil {
		t.Fatalf("encodeStringSlice() error = %v", err)
	}
	if raw != "[]" {
		t.Fatalf("encodeStringSlice(nil) = %q, want []", raw)
	}
	got, err := decodeStringSlice(raw)
	if err != nil {
		t.Fatalf("decodeStringSlice() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{}) {
		t.Fatalf("decodeStringSlice() = %#v", got)
	}
}

func TestTimestampsSortLexically(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := formatTimestamp(base)
	later := formatTimestamp(base.Add(500 * time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("formatTimestamp order: %q !< %q", earlier, later)
	}
	parsed, err := parseTimestamp(later)
	if err != nil {
		t.Fatalf("parseTimestamp() error = %v", err)
	}
	if !parsed.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("parseTimestamp() = %v", parsed)
	}
}
