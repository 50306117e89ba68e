package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLiteSchema mirrors migrations/ with SQLite column types. Timestamps are
// DATETIME so the driver scans them back into time.Time.
var SQLiteSchema = []string{
	`CREATE TABLE migration_jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		created_by TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		entity_type TEXT NOT NULL,
		source TEXT NOT NULL,
		field_mappings TEXT NOT NULL DEFAULT '[]',
		merge_policies TEXT NOT NULL DEFAULT '[]',
		conflict_strategy TEXT NOT NULL DEFAULT 'skip',
		status TEXT NOT NULL DEFAULT 'pending',
		checkpoint TEXT NOT NULL DEFAULT '',
		processed_count INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		merged_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME
	)`,
	`CREATE TABLE migration_lineage (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		legacy_system TEXT NOT NULL,
		legacy_id TEXT NOT NULL,
		canonical_id TEXT,
		state TEXT NOT NULL,
		holder TEXT NOT NULL,
		reserved_at DATETIME NOT NULL,
		committed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX uq_migration_lineage_key
		ON migration_lineage (tenant_id, entity_type, legacy_system, legacy_id)`,
}

// NewSQLiteDB opens a private in-memory database through open and applies
// SQLiteSchema. A single connection serializes writers the way row locks do
// in Postgres.
func NewSQLiteDB(t *testing.T, open func(gorm.Dialector) (*gorm.DB, error)) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := open(sqlite.Open(dsn))
	require.NoError(t, err, "Failed to open SQLite database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range SQLiteSchema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}
