package persistence

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/migrator/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock) {
	gormDB, mock, mockDB := newMockGormDB(t)
	t.Cleanup(func() { _ = mockDB.Close() })
	return &Database{DB: gormDB}, mock
}

func TestOpen(t *testing.T) {
	t.Run("opens sqlite with defaults", func(t *testing.T) {
		db, err := Open(sqlite.Open("file::memory:"))
		require.NoError(t, err)
		defer db.Close()

		assert.True(t, db.DB.Config.SkipDefaultTransaction)
		assert.NoError(t, db.Ping(context.Background()))
	})

	t.Run("accepts zap logger and tracing options", func(t *testing.T) {
		tracing := telemetry.DefaultDBTracingConfig()
		tracing.Enabled = true

		db, err := Open(sqlite.Open("file::memory:"),
			WithZapLogger(zap.NewNop(), "debug"),
			WithTracing(tracing),
		)
		require.NoError(t, err)
		defer db.Close()

		var one int
		require.NoError(t, db.DB.Raw("SELECT 1").Scan(&one).Error)
		assert.Equal(t, 1, one)
	})
}

func TestDatabase_Ping(t *testing.T) {
	db, mock := newMockDatabase(t)

	mock.ExpectPing()

	assert.NoError(t, db.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabase_Stats(t *testing.T) {
	db, _ := newMockDatabase(t)

	stats, err := db.Stats()

	assert.NoError(t, err)
	assert.Equal(t, stats.InUse+stats.Idle, stats.OpenConnections)
}

func TestDatabase_Close(t *testing.T) {
	gormDB, mock, _ := newMockGormDB(t)
	db := &Database{DB: gormDB}

	mock.ExpectClose()

	assert.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabase_Transaction(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMockDatabase(t)

		type TestModel struct {
			ID   uint
			Name string
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO "test_models"`).
			WithArgs("test").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectCommit()

		err := db.Transaction(context.Background(), func(tx *gorm.DB) error {
			return tx.Create(&TestModel{Name: "test"}).Error
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDatabase(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := db.Transaction(context.Background(), func(tx *gorm.DB) error {
			return assert.AnError
		})

		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
