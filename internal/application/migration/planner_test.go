package migrationapp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/erp/migrator/internal/domain/migration"
)

func transformed(job *migration.MigrationJob, ids ...string) []TransformedRecord {
	out := make([]TransformedRecord, len(ids))
	for i, id := range ids {
		out[i] = TransformedRecord{Key: job.LegacyKey(id), Fields: map[string]any{"name": "customer " + id}}
	}
	return out
}

func committedRow(job *migration.MigrationJob, id string, canonicalID uuid.UUID) migration.LineageRow {
	return migration.LineageRow{
		ID:           uuid.New(),
		TenantID:     job.TenantID,
		EntityType:   job.EntityType,
		LegacySystem: job.Source.SystemName,
		LegacyID:     id,
		CanonicalID:  &canonicalID,
		State:        migration.LineageCommitted,
	}
}

func TestLineagePlanner_Plan(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	rc := migration.NewRunContext(tenantID, "worker-a", "")

	t.Run("reserves fresh keys and keeps losers out of the write set", func(t *testing.T) {
		job := newTestJob(t, tenantID, migration.ConflictSkip)
		records := transformed(job, "1", "2", "3")
		ledger := new(MockLineageLedger)
		won1, won3 := uuid.New(), uuid.New()

		ledger.On("LookupCommitted", ctx, tenantID, customers, []migration.LegacyKey{records[0].Key, records[1].Key, records[2].Key}).
			Return(map[migration.LegacyKey]migration.LineageRow{}, nil)
		ledger.On("BulkReserve", ctx, rc, job.ID, customers, []migration.LegacyKey{records[0].Key, records[1].Key, records[2].Key}).
			Return([]migration.ReserveResult{migration.Won(won1), migration.Lost(), {IsWinner: true, LineageID: won3, Reclaimed: true}}, nil)

		plan, err := NewLineagePlanner(ledger).Plan(ctx, job, rc, records)
		require.NoError(t, err)
		require.Len(t, plan.Items, 3)

		assert.Equal(t, ActionCreate, plan.Items[0].Action)
		assert.Equal(t, won1, plan.Items[0].LineageID)
		assert.Equal(t, ActionSkip, plan.Items[1].Action)
		assert.False(t, plan.Items[1].Reserved())
		assert.Equal(t, ActionCreate, plan.Items[2].Action)
		assert.ElementsMatch(t, []uuid.UUID{won1, won3}, plan.Reservations())
		ledger.AssertExpectations(t)
	})

	t.Run("committed keys follow the conflict strategy", func(t *testing.T) {
		canonicalID := uuid.New()
		tests := []struct {
			strategy migration.ConflictStrategy
			action   Action
		}{
			{migration.ConflictSkip, ActionSkip},
			{migration.ConflictUpdate, ActionUpdate},
			{migration.ConflictMerge, ActionMerge},
			{migration.ConflictFail, ActionFail},
		}
		for _, tt := range tests {
			t.Run(string(tt.strategy), func(t *testing.T) {
				job := newTestJob(t, tenantID, tt.strategy)
				records := transformed(job, "1")
				ledger := new(MockLineageLedger)
				ledger.On("LookupCommitted", ctx, tenantID, customers, mock.Anything).
					Return(map[migration.LegacyKey]migration.LineageRow{records[0].Key: committedRow(job, "1", canonicalID)}, nil)

				plan, err := NewLineagePlanner(ledger).Plan(ctx, job, rc, records)
				require.NoError(t, err)

				item := plan.Items[0]
				assert.Equal(t, tt.action, item.Action)
				assert.Equal(t, canonicalID, item.CanonicalID)
				assert.False(t, item.Reserved())
				if tt.strategy == migration.ConflictFail {
					require.NotNil(t, item.Error)
					assert.Equal(t, ErrCodeAlreadyMigrated, item.Error.Code)
				}
				ledger.AssertNotCalled(t, "BulkReserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("transform errors are planned as failures without ledger calls", func(t *testing.T) {
		job := newTestJob(t, tenantID, migration.ConflictSkip)
		records := transformed(job, "1")
		records[0].Error = &RecordError{LegacyID: "1", Code: ErrCodeRequiredField, Message: "field 'name' is required"}
		ledger := new(MockLineageLedger)

		plan, err := NewLineagePlanner(ledger).Plan(ctx, job, rc, records)
		require.NoError(t, err)
		assert.Equal(t, ActionFail, plan.Items[0].Action)
		assert.Same(t, records[0].Error, plan.Items[0].Error)
		ledger.AssertNotCalled(t, "LookupCommitted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("lookup error aborts the plan", func(t *testing.T) {
		job := newTestJob(t, tenantID, migration.ConflictSkip)
		ledger := new(MockLineageLedger)
		ledger.On("LookupCommitted", ctx, tenantID, customers, mock.Anything).Return(nil, errors.New("connection reset"))

		plan, err := NewLineagePlanner(ledger).Plan(ctx, job, rc, transformed(job, "1"))
		assert.Nil(t, plan)
		assert.ErrorContains(t, err, "failed to look up lineage: connection reset")
	})

	t.Run("matcher links a reserved key to an existing record", func(t *testing.T) {
		job := newTestJob(t, tenantID, migration.ConflictMerge)
		records := transformed(job, "1", "2")
		existing := uuid.New()
		won1, won2 := uuid.New(), uuid.New()
		ledger := new(MockLineageLedger)
		ledger.On("LookupCommitted", ctx, tenantID, customers, mock.Anything).Return(map[migration.LegacyKey]migration.LineageRow{}, nil)
		ledger.On("BulkReserve", ctx, rc, job.ID, customers, mock.Anything).
			Return([]migration.ReserveResult{migration.Won(won1), migration.Won(won2)}, nil)
		matcher := MatcherFunc(func(_ context.Context, _ *migration.MigrationJob, rec TransformedRecord) (uuid.UUID, bool, error) {
			if rec.Key.ID == "2" {
				return existing, true, nil
			}
			return uuid.Nil, false, nil
		})

		plan, err := NewLineagePlanner(ledger, WithMatcher(matcher)).Plan(ctx, job, rc, records)
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, plan.Items[0].Action)
		assert.Equal(t, ActionMerge, plan.Items[1].Action)
		assert.Equal(t, existing, plan.Items[1].CanonicalID)
		assert.Equal(t, won2, plan.Items[1].LineageID, "the reservation stays with the item for commit")
	})

	t.Run("matcher error releases every reservation", func(t *testing.T) {
		job := newTestJob(t, tenantID, migration.ConflictSkip)
		won1, won2 := uuid.New(), uuid.New()
		ledger := new(MockLineageLedger)
		ledger.On("LookupCommitted", ctx, tenantID, customers, mock.Anything).Return(map[migration.LegacyKey]migration.LineageRow{}, nil)
		ledger.On("BulkReserve", ctx, rc, job.ID, customers, mock.Anything).
			Return([]migration.ReserveResult{migration.Won(won1), migration.Won(won2)}, nil)
		ledger.On("Release", ctx, rc, won1).Return(nil).Once()
		ledger.On("Release", ctx, rc, won2).Return(nil).Once()
		matcher := MatcherFunc(func(context.Context, *migration.MigrationJob, TransformedRecord) (uuid.UUID, bool, error) {
			return uuid.Nil, false, errors.New("target unavailable")
		})

		plan, err := NewLineagePlanner(ledger, WithMatcher(matcher)).Plan(ctx, job, rc, transformed(job, "1", "2"))
		assert.Nil(t, plan)
		assert.ErrorContains(t, err, "target unavailable")
		ledger.AssertExpectations(t)
	})
}
