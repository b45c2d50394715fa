package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config selects the database holding the ingestion run ledger. It is
// separate from the PostGIS target that receives loaded tables.
type Config struct {
	Backend     Backend
	SQLitePath  string
	DatabaseURL string
}

func ParseBackend(raw string) (Backend, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return BackendSQLite, nil
	}
	switch raw {
	case "sqlite":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unsupported ledger backend %q (expected sqlite or postgres)", raw)
	}
}

func Open(cfg Config) (*gorm.DB, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, errors.New("sqlite path is required")
		}
		return openSQLite(cfg.SQLitePath)
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("LEDGER_DATABASE_URL is required when LEDGER_BACKEND=postgres")
		}
		return openPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", backend)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	}
}

func openSQLite(dbPath string) (*gorm.DB, error) {
	sqlDB, err := gorm.Open(sqlite.Open(dbPath), gormConfig())
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
	}
	for _, p := range pragmas {
		if err := sqlDB.Exec(p).Error; err != nil {
			return nil, err
		}
	}

	if err := migrate(sqlDB); err != nil {
		return nil, err
	}

	return sqlDB, nil
}

func openPostgres(databaseURL string) (*gorm.DB, error) {
	sqlDB, err := gorm.Open(postgres.Open(databaseURL), gormConfig())
	if err != nil {
		return nil, err
	}

	if err := migrate(sqlDB); err != nil {
		return nil, err
	}

	return sqlDB, nil
}

func migrate(db *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_runs (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			object_key TEXT NOT NULL,
			table_name TEXT,
			trigger_source TEXT NOT NULL,
			status TEXT NOT NULL,
			error_kind TEXT,
			error TEXT,
			rows_written BIGINT NOT NULL DEFAULT 0,
			processing_id TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_status ON ingestion_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_bucket_key ON ingestion_runs(bucket, object_key);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_table_name ON ingestion_runs(table_name);`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	if err := ensureRunColumn(db, "duration_ms", "BIGINT", "0"); err != nil {
		return err
	}
	return nil
}

func ensureRunColumn(db *gorm.DB, name, sqlType, defaultValue string) error {
	if db.Migrator().HasColumn("ingestion_runs", name) {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE ingestion_runs ADD COLUMN %s %s NOT NULL DEFAULT %s;", name, sqlType, defaultValue)
	return db.Exec(stmt).Error
}
