package migrationapp

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/erp/migrator/internal/domain/migration"
)

// MockLineageLedger is a mock implementation of migration.LineageLedger
type MockLineageLedger struct {
	mock.Mock
}

func (m *MockLineageLedger) Reserve(ctx context.Context, rc migration.RunContext, jobID uuid.UUID, entityType migration.EntityType, key migration.LegacyKey) (migration.ReserveResult, error) {
	args := m.Called(ctx, rc, jobID, entityType, key)
	return args.Get(0).(migration.ReserveResult), args.Error(1)
}

func (m *MockLineageLedger) BulkReserve(ctx context.Context, rc migration.RunContext, jobID uuid.UUID, entityType migration.EntityType, keys []migration.LegacyKey) ([]migration.ReserveResult, error) {
	args := m.Called(ctx, rc, jobID, entityType, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]migration.ReserveResult), args.Error(1)
}

func (m *MockLineageLedger) Commit(ctx context.Context, rc migration.RunContext, lineageID, canonicalID uuid.UUID) error {
	args := m.Called(ctx, rc, lineageID, canonicalID)
	return args.Error(0)
}

func (m *MockLineageLedger) Release(ctx context.Context, rc migration.RunContext, lineageID uuid.UUID) error {
	args := m.Called(ctx, rc, lineageID)
	return args.Error(0)
}

func (m *MockLineageLedger) LookupCommitted(ctx context.Context, tenantID uuid.UUID, entityType migration.EntityType, keys []migration.LegacyKey) (map[migration.LegacyKey]migration.LineageRow, error) {
	args := m.Called(ctx, tenantID, entityType, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[migration.LegacyKey]migration.LineageRow), args.Error(1)
}

// MockTargetWriter is a mock implementation of TargetWriter
type MockTargetWriter struct {
	mock.Mock
}

func (m *MockTargetWriter) Create(ctx context.Context, job *migration.MigrationJob, record TransformedRecord) (uuid.UUID, error) {
	args := m.Called(ctx, job, record)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockTargetWriter) Fetch(ctx context.Context, job *migration.MigrationJob, canonicalID uuid.UUID) (map[string]any, error) {
	args := m.Called(ctx, job, canonicalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockTargetWriter) Update(ctx context.Context, job *migration.MigrationJob, canonicalID uuid.UUID, fields map[string]any) error {
	args := m.Called(ctx, job, canonicalID, fields)
	return args.Error(0)
}

// MockLegacyAdapter is a mock implementation of migration.LegacyAdapter
type MockLegacyAdapter struct {
	mock.Mock
}

func (m *MockLegacyAdapter) ExtractBatch(ctx context.Context, entityType migration.EntityType, batchSize int, cursor migration.Cursor) (migration.Batch, error) {
	args := m.Called(ctx, entityType, batchSize, cursor)
	return args.Get(0).(migration.Batch), args.Error(1)
}

func (m *MockLegacyAdapter) GetSchema(ctx context.Context, entityType migration.EntityType) ([]migration.Column, error) {
	args := m.Called(ctx, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]migration.Column), args.Error(1)
}

func (m *MockLegacyAdapter) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLegacyAdapter) Close() error {
	args := m.Called()
	return args.Error(0)
}
