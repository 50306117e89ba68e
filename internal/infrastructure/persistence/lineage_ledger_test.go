package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const customers migration.EntityType = "customers"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type ledgerFixture struct {
	db     *gorm.DB
	ledger *GormLineageLedger
	clock  *fakeClock
	tenant uuid.UUID
	jobID  uuid.UUID
}

func newLedgerFixture(t *testing.T, opts ...LedgerOption) *ledgerFixture {
	db := newSQLiteDB(t)
	clock := newFakeClock()
	opts = append([]LedgerOption{WithClock(clock.Now)}, opts...)
	return &ledgerFixture{
		db:     db,
		ledger: NewGormLineageLedger(db, opts...),
		clock:  clock,
		tenant: uuid.New(),
		jobID:  uuid.New(),
	}
}

func (f *ledgerFixture) worker(id string) migration.RunContext {
	return migration.NewRunContext(f.tenant, id, "")
}

func (f *ledgerFixture) rows(t *testing.T) []models.LineageModel {
	var rows []models.LineageModel
	require.NoError(t, f.db.Order("legacy_id").Find(&rows).Error)
	return rows
}

func legacyKey(id string) migration.LegacyKey {
	return migration.LegacyKey{System: "erp-v1", ID: id}
}

func TestNewGormLineageLedger(t *testing.T) {
	t.Run("uses default lease window", func(t *testing.T) {
		ledger := NewGormLineageLedger(nil)
		assert.Equal(t, migration.DefaultLeaseWindow, ledger.LeaseWindow())
	})

	t.Run("ignores non-positive options", func(t *testing.T) {
		ledger := NewGormLineageLedger(nil, WithLeaseWindow(0), WithChunkSize(-1))
		assert.Equal(t, migration.DefaultLeaseWindow, ledger.LeaseWindow())
		assert.Equal(t, defaultLedgerChunkSize, ledger.chunkSize)
	})
}

func TestGormLineageLedger_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("first reservation wins", func(t *testing.T) {
		f := newLedgerFixture(t)

		res, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.True(t, res.IsWinner)
		assert.False(t, res.Reclaimed)
		assert.NotEqual(t, uuid.Nil, res.LineageID)

		rows := f.rows(t)
		require.Len(t, rows, 1)
		assert.Equal(t, res.LineageID, rows[0].ID)
		assert.Equal(t, "reserved", rows[0].State)
		assert.Equal(t, "w1", rows[0].Holder)
		assert.Nil(t, rows[0].CanonicalID)
	})

	t.Run("live reservation makes others lose", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		f.clock.Advance(10 * time.Minute)
		res, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.False(t, res.IsWinner)
		assert.Equal(t, uuid.Nil, res.LineageID)
		assert.Equal(t, "w1", f.rows(t)[0].Holder)
	})

	t.Run("reservation exactly at the lease boundary is not reclaimed", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		f.clock.Advance(migration.DefaultLeaseWindow)
		res, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.False(t, res.IsWinner)
	})

	t.Run("expired reservation is reclaimed under the same row id", func(t *testing.T) {
		f := newLedgerFixture(t)
		first, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		f.clock.Advance(migration.DefaultLeaseWindow + time.Minute)
		otherJob := uuid.New()
		res, err := f.ledger.Reserve(ctx, f.worker("w2"), otherJob, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.True(t, res.IsWinner)
		assert.True(t, res.Reclaimed)
		assert.Equal(t, first.LineageID, res.LineageID)

		rows := f.rows(t)
		require.Len(t, rows, 1)
		assert.Equal(t, "w2", rows[0].Holder)
		assert.Equal(t, otherJob, rows[0].JobID)
		assert.True(t, rows[0].ReservedAt.Equal(f.clock.Now()))
	})

	t.Run("custom lease window", func(t *testing.T) {
		f := newLedgerFixture(t, WithLeaseWindow(time.Minute))
		_, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		f.clock.Advance(2 * time.Minute)
		res, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.True(t, res.Reclaimed)
	})

	t.Run("committed row is never reclaimed", func(t *testing.T) {
		f := newLedgerFixture(t)
		rc := f.worker("w1")
		first, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		require.NoError(t, f.ledger.Commit(ctx, rc, first.LineageID, uuid.New()))

		f.clock.Advance(24 * time.Hour)
		res, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("C-1"))

		require.NoError(t, err)
		assert.False(t, res.IsWinner)
	})

	t.Run("keys are scoped by tenant and entity type", func(t *testing.T) {
		f := newLedgerFixture(t)
		key := legacyKey("42")

		a, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, customers, key)
		require.NoError(t, err)
		b, err := f.ledger.Reserve(ctx, f.worker("w1"), f.jobID, "products", key)
		require.NoError(t, err)
		c, err := f.ledger.Reserve(ctx, migration.NewRunContext(uuid.New(), "w1", ""), f.jobID, customers, key)
		require.NoError(t, err)

		assert.True(t, a.IsWinner)
		assert.True(t, b.IsWinner)
		assert.True(t, c.IsWinner)
		assert.Len(t, f.rows(t), 3)
	})

	t.Run("concurrent workers produce exactly one winner", func(t *testing.T) {
		f := newLedgerFixture(t)
		const workers = 8

		var wg sync.WaitGroup
		results := make([]migration.ReserveResult, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.ledger.Reserve(ctx, f.worker(fmt.Sprintf("w%d", i)), f.jobID, customers, legacyKey("C-1"))
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := range results {
			require.NoError(t, errs[i])
			if results[i].IsWinner {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
		assert.Len(t, f.rows(t), 1)
	})
}

func TestGormLineageLedger_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("commits a held reservation", func(t *testing.T) {
		f := newLedgerFixture(t)
		rc := f.worker("w1")
		res, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		canonicalID := uuid.New()
		f.clock.Advance(time.Second)
		require.NoError(t, f.ledger.Commit(ctx, rc, res.LineageID, canonicalID))

		row := f.rows(t)[0]
		assert.Equal(t, "committed", row.State)
		require.NotNil(t, row.CanonicalID)
		assert.Equal(t, canonicalID, *row.CanonicalID)
		require.NotNil(t, row.CommittedAt)
		assert.True(t, row.CommittedAt.Equal(f.clock.Now()))
	})

	t.Run("second commit is an invariant violation", func(t *testing.T) {
		f := newLedgerFixture(t)
		rc := f.worker("w1")
		res, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		first := uuid.New()
		require.NoError(t, f.ledger.Commit(ctx, rc, res.LineageID, first))

		err = f.ledger.Commit(ctx, rc, res.LineageID, uuid.New())

		require.Error(t, err)
		assert.ErrorIs(t, err, migration.ErrInvariantViolation)
		assert.Equal(t, first, *f.rows(t)[0].CanonicalID)
	})

	t.Run("commit of unknown row is an invariant violation", func(t *testing.T) {
		f := newLedgerFixture(t)
		id := uuid.New()

		err := f.ledger.Commit(ctx, f.worker("w1"), id, uuid.New())

		assert.EqualError(t, err, "lineage commit failed (not reserved): "+id.String())
	})

	t.Run("previous holder cannot commit after reclaim", func(t *testing.T) {
		f := newLedgerFixture(t)
		w1, w2 := f.worker("w1"), f.worker("w2")
		res, err := f.ledger.Reserve(ctx, w1, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
		_, err = f.ledger.Reserve(ctx, w2, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		err = f.ledger.Commit(ctx, w1, res.LineageID, uuid.New())
		assert.ErrorIs(t, err, migration.ErrInvariantViolation)

		assert.NoError(t, f.ledger.Commit(ctx, w2, res.LineageID, uuid.New()))
	})
}

func TestGormLineageLedger_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("release deletes the reservation so the key can be reserved again", func(t *testing.T) {
		f := newLedgerFixture(t)
		rc := f.worker("w1")
		res, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		require.NoError(t, f.ledger.Release(ctx, rc, res.LineageID))
		assert.Empty(t, f.rows(t))

		again, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		assert.True(t, again.IsWinner)
		assert.False(t, again.Reclaimed)
		assert.NotEqual(t, res.LineageID, again.LineageID)
	})

	t.Run("release of a reclaimed reservation is a no-op", func(t *testing.T) {
		f := newLedgerFixture(t)
		w1, w2 := f.worker("w1"), f.worker("w2")
		res, err := f.ledger.Reserve(ctx, w1, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
		_, err = f.ledger.Reserve(ctx, w2, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)

		require.NoError(t, f.ledger.Release(ctx, w1, res.LineageID))

		rows := f.rows(t)
		require.Len(t, rows, 1)
		assert.Equal(t, "w2", rows[0].Holder)
	})

	t.Run("release never deletes a committed row", func(t *testing.T) {
		f := newLedgerFixture(t)
		rc := f.worker("w1")
		res, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("C-1"))
		require.NoError(t, err)
		require.NoError(t, f.ledger.Commit(ctx, rc, res.LineageID, uuid.New()))

		require.NoError(t, f.ledger.Release(ctx, rc, res.LineageID))
		assert.Len(t, f.rows(t), 1)
	})

	t.Run("release of unknown id is a no-op", func(t *testing.T) {
		f := newLedgerFixture(t)
		assert.NoError(t, f.ledger.Release(ctx, f.worker("w1"), uuid.New()))
	})
}

func TestGormLineageLedger_BulkReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("results align with input order", func(t *testing.T) {
		f := newLedgerFixture(t)
		held, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("B"))
		require.NoError(t, err)
		require.True(t, held.IsWinner)

		keys := []migration.LegacyKey{legacyKey("A"), legacyKey("B"), legacyKey("C")}
		results, err := f.ledger.BulkReserve(ctx, f.worker("w1"), f.jobID, customers, keys)

		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.True(t, results[0].IsWinner)
		assert.False(t, results[1].IsWinner)
		assert.True(t, results[2].IsWinner)
		assert.NotEqual(t, results[0].LineageID, results[2].LineageID)
		assert.Len(t, f.rows(t), 3)
	})

	t.Run("duplicate keys are decided by the first occurrence", func(t *testing.T) {
		f := newLedgerFixture(t)
		keys := []migration.LegacyKey{legacyKey("A"), legacyKey("A"), legacyKey("B")}

		results, err := f.ledger.BulkReserve(ctx, f.worker("w1"), f.jobID, customers, keys)

		require.NoError(t, err)
		assert.True(t, results[0].IsWinner)
		assert.False(t, results[1].IsWinner)
		assert.True(t, results[2].IsWinner)
		assert.Len(t, f.rows(t), 2)
	})

	t.Run("expired reservations are reclaimed in bulk", func(t *testing.T) {
		f := newLedgerFixture(t)
		old, err := f.ledger.Reserve(ctx, f.worker("w2"), f.jobID, customers, legacyKey("B"))
		require.NoError(t, err)
		f.clock.Advance(time.Hour)

		keys := []migration.LegacyKey{legacyKey("A"), legacyKey("B")}
		results, err := f.ledger.BulkReserve(ctx, f.worker("w1"), f.jobID, customers, keys)

		require.NoError(t, err)
		assert.True(t, results[0].IsWinner)
		assert.False(t, results[0].Reclaimed)
		assert.True(t, results[1].IsWinner)
		assert.True(t, results[1].Reclaimed)
		assert.Equal(t, old.LineageID, results[1].LineageID)
	})

	t.Run("chunks larger inputs", func(t *testing.T) {
		f := newLedgerFixture(t, WithChunkSize(2))
		keys := make([]migration.LegacyKey, 5)
		for i := range keys {
			keys[i] = legacyKey(fmt.Sprintf("K-%d", i))
		}

		results, err := f.ledger.BulkReserve(ctx, f.worker("w1"), f.jobID, customers, keys)

		require.NoError(t, err)
		for i, r := range results {
			assert.True(t, r.IsWinner, "key %d", i)
		}
		assert.Len(t, f.rows(t), 5)
	})

	t.Run("empty input", func(t *testing.T) {
		f := newLedgerFixture(t)
		results, err := f.ledger.BulkReserve(ctx, f.worker("w1"), f.jobID, customers, nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestGormLineageLedger_LookupCommitted(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	rc := f.worker("w1")

	committed, err := f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("A"))
	require.NoError(t, err)
	canonicalID := uuid.New()
	require.NoError(t, f.ledger.Commit(ctx, rc, committed.LineageID, canonicalID))
	_, err = f.ledger.Reserve(ctx, rc, f.jobID, customers, legacyKey("B"))
	require.NoError(t, err)

	found, err := f.ledger.LookupCommitted(ctx, f.tenant, customers,
		[]migration.LegacyKey{legacyKey("A"), legacyKey("B"), legacyKey("C")})

	require.NoError(t, err)
	require.Len(t, found, 1)
	row := found[legacyKey("A")]
	assert.Equal(t, committed.LineageID, row.ID)
	require.NotNil(t, row.CanonicalID)
	assert.Equal(t, canonicalID, *row.CanonicalID)
	assert.True(t, row.IsCommitted())

	other, err := f.ledger.LookupCommitted(ctx, uuid.New(), customers, []migration.LegacyKey{legacyKey("A")})
	require.NoError(t, err)
	assert.Empty(t, other)
}
