package db

import (
	"path/filepath"
	"testing"
)

func TestSQLitePragmasApplied(t *testing.T) {
	dir := t.TempDir()
	gormDB, err := Open(Config{
		Backend:    BackendSQLite,
		SQLitePath: filepath.Join(dir, "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	pragmas := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL = 1
		"foreign_keys": "1",
	}

	for pragma, want := range pragmas {
		var got string
		row := sqlDB.QueryRow("PRAGMA " + pragma + ";")
		if err := row.Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", pragma, err)
		}
		if got != want {
			t.Errorf("PRAGMA %s = %q, want %q", pragma, got, want)
		}
	}
}

func TestMigrateCreatesRunLedger(t *testing.T) {
	gormDB, err := Open(Config{SQLitePath: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, col := range []string{"id", "object_key", "table_name", "trigger_source", "rows_written", "duration_ms"} {
		if !gormDB.Migrator().HasColumn("ingestion_runs", col) {
			t.Fatalf("ingestion_runs missing column %q", col)
		}
	}

	// A second migration over the same file is a no-op.
	if err := migrate(gormDB); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestParseBackend(t *testing.T) {
	cases := map[string]Backend{
		"":           BackendSQLite,
		"SQLite":     BackendSQLite,
		"pg":         BackendPostgres,
		"postgresql": BackendPostgres,
	}
	for in, want := range cases {
		got, err := ParseBackend(in)
		if err != nil {
			t.Fatalf("ParseBackend(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseBackend(%q)=%q, want %q", in, got, want)
		}
	}
	if _, err := ParseBackend("mysql"); err == nil {
		t.Fatalf("expected error for mysql backend")
	}
}
