package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coachpo/fieldcare/internal/observability"
)

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir temp migrations: %v", err)
	}

	resolved, err := resolveDir(path)
	if err != nil {
		t.Fatalf("resolveDir returned error: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("expected absolute path, got %s", resolved)
	}
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	_, err := resolveDir(path)
	if !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestFileURLUnixAndWindows(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		if !strings.HasPrefix(got, "file://") {
			t.Fatalf("expected file:// prefix for %s, got %s", path, got)
		}
	}
}

func TestApplyDirValidatesPathBeforeConnecting(t *testing.T) {
	err := ApplyDir(context.Background(), "postgresql://invalid", "does-not-exist", nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestApplyPostgresRequiresDSN(t *testing.T) {
	if err := ApplyPostgres(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestApplySQLiteCreatesSchemaAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fieldcare-offline-v1.db")
	rec := observability.NewRecorder()

	if err := ApplySQLite(ctx, path, rec); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplySQLite(ctx, path, rec); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(rec.Find("info", "up-to-date")) != 1 {
		t.Fatalf("expected second run to report up-to-date")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	for _, table := range []string{"pending_submissions", "sync_registrations", "cache_buckets", "cache_entries"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
	var index string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_pending_submissions_synced'`).Scan(&index); err != nil {
		t.Fatalf("expected synced index: %v", err)
	}
}

func TestRollbackSQLiteDropsCacheTables(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rollback.db")
	if err := ApplySQLite(ctx, path, nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Steps back over the wake generation column, then the cache tables.
	if err := RollbackSQLite(ctx, path, 2, nil); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'cache_entries'`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cache_entries dropped")
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('sync_registrations') WHERE name = 'generation'`).Scan(&count); err != nil {
		t.Fatalf("query columns: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected generation column dropped")
	}
	if err := RollbackSQLite(ctx, path, 0, nil); err == nil {
		t.Fatalf("expected error for zero steps")
	}
}
