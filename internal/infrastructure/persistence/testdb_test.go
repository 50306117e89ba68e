package persistence

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/gorm"

	"github.com/erp/migrator/internal/testutil"
)

// newSQLiteDB opens a private in-memory database with the migration schema
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.NewSQLiteDB(t, func(d gorm.Dialector) (*gorm.DB, error) {
		database, err := Open(d)
		if err != nil {
			return nil, err
		}
		return database.DB, nil
	})
}

// newMockGormDB returns a Postgres-dialect GORM handle backed by sqlmock
func newMockGormDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	m := testutil.NewMockDB(t)
	return m.DB, m.Mock, m.SqlDB
}
