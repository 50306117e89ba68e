package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/logger"
	"github.com/erp/migrator/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Every ledger transition is one statement whose WHERE clause carries the
// precondition, so no caller ever reads a row before deciding to write it.
const (
	lineageColumns = "id, tenant_id, job_id, entity_type, legacy_system, legacy_id, state, holder, reserved_at"

	lineageConflictTarget = "ON CONFLICT (tenant_id, entity_type, legacy_system, legacy_id) DO NOTHING"

	insertLineageSQL = "INSERT INTO migration_lineage (" + lineageColumns + ") " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) " + lineageConflictTarget

	reclaimLineageSQL = "UPDATE migration_lineage SET holder = ?, job_id = ?, reserved_at = ? " +
		"WHERE tenant_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ? " +
		"AND state = ? AND reserved_at < ? RETURNING id"

	reclaimLineageBulkSQL = "UPDATE migration_lineage SET holder = ?, job_id = ?, reserved_at = ? " +
		"WHERE tenant_id = ? AND entity_type = ? AND state = ? AND reserved_at < ? " +
		"AND (legacy_system, legacy_id) IN %s RETURNING id, legacy_system, legacy_id"

	commitLineageSQL = "UPDATE migration_lineage SET state = ?, canonical_id = ?, committed_at = ? " +
		"WHERE id = ? AND tenant_id = ? AND state = ? AND holder = ?"

	releaseLineageSQL = "DELETE FROM migration_lineage " +
		"WHERE id = ? AND tenant_id = ? AND state = ? AND holder = ?"

	// keeps bulk statements well below the bind parameter limits of Postgres and SQLite
	defaultLedgerChunkSize = 500
)

type lineageIDRow struct {
	ID uuid.UUID
}

type lineageKeyRow struct {
	ID           uuid.UUID
	LegacySystem string
	LegacyID     string
}

func (r lineageKeyRow) key() migration.LegacyKey {
	return migration.LegacyKey{System: r.LegacySystem, ID: r.LegacyID}
}

// LedgerOption configures a GormLineageLedger
type LedgerOption func(*GormLineageLedger)

// WithLeaseWindow sets the age after which a reservation may be reclaimed
func WithLeaseWindow(d time.Duration) LedgerOption {
	return func(l *GormLineageLedger) {
		if d > 0 {
			l.leaseWindow = d
		}
	}
}

// WithClock replaces time.Now, used by tests to age reservations
func WithClock(now func() time.Time) LedgerOption {
	return func(l *GormLineageLedger) {
		l.now = now
	}
}

// WithChunkSize sets how many keys one bulk statement carries
func WithChunkSize(n int) LedgerOption {
	return func(l *GormLineageLedger) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

// GormLineageLedger implements migration.LineageLedger on the migration_lineage table
type GormLineageLedger struct {
	db          *gorm.DB
	leaseWindow time.Duration
	now         func() time.Time
	chunkSize   int
}

var _ migration.LineageLedger = (*GormLineageLedger)(nil)

// NewGormLineageLedger creates a new GormLineageLedger
func NewGormLineageLedger(db *gorm.DB, opts ...LedgerOption) *GormLineageLedger {
	l := &GormLineageLedger{
		db:          db,
		leaseWindow: migration.DefaultLeaseWindow,
		now:         time.Now,
		chunkSize:   defaultLedgerChunkSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LeaseWindow returns the configured lease window
func (l *GormLineageLedger) LeaseWindow() time.Duration {
	return l.leaseWindow
}

func (l *GormLineageLedger) clock() time.Time {
	return l.now().UTC()
}

// Reserve claims key for rc.WorkerID: insert, else reclaim an expired
// reservation, else lose to the live holder.
func (l *GormLineageLedger) Reserve(
	ctx context.Context,
	rc migration.RunContext,
	jobID uuid.UUID,
	entityType migration.EntityType,
	key migration.LegacyKey,
) (migration.ReserveResult, error) {
	now := l.clock()
	id := uuid.New()

	res := l.db.WithContext(ctx).Exec(insertLineageSQL,
		id, rc.TenantID, jobID, string(entityType), key.System, key.ID,
		string(migration.LineageReserved), rc.WorkerID, now,
	)
	if res.Error != nil {
		return migration.ReserveResult{}, fmt.Errorf("reserve lineage %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return migration.Won(id), nil
	}

	var reclaimed []lineageIDRow
	if err := l.db.WithContext(ctx).Raw(reclaimLineageSQL,
		rc.WorkerID, jobID, now,
		rc.TenantID, string(entityType), key.System, key.ID,
		string(migration.LineageReserved), now.Add(-l.leaseWindow),
	).Scan(&reclaimed).Error; err != nil {
		return migration.ReserveResult{}, fmt.Errorf("reclaim lineage %s: %w", key, err)
	}
	if len(reclaimed) == 1 {
		logger.L(ctx).Info("reclaimed expired lineage reservation",
			zap.String("lineage_id", reclaimed[0].ID.String()),
			zap.String("legacy_key", key.String()),
		)
		result := migration.Won(reclaimed[0].ID)
		result.Reclaimed = true
		return result, nil
	}
	return migration.Lost(), nil
}

// BulkReserve reserves keys with one insert and at most one reclaim statement
// per chunk. Results are aligned with keys; a key repeated within keys is
// decided by its first occurrence and lost everywhere else.
func (l *GormLineageLedger) BulkReserve(
	ctx context.Context,
	rc migration.RunContext,
	jobID uuid.UUID,
	entityType migration.EntityType,
	keys []migration.LegacyKey,
) ([]migration.ReserveResult, error) {
	results := make([]migration.ReserveResult, len(keys))
	firstIndex := make(map[migration.LegacyKey]int, len(keys))
	unique := make([]migration.LegacyKey, 0, len(keys))
	for i, k := range keys {
		if _, seen := firstIndex[k]; seen {
			continue
		}
		firstIndex[k] = i
		unique = append(unique, k)
	}

	for start := 0; start < len(unique); start += l.chunkSize {
		end := min(start+l.chunkSize, len(unique))
		won, err := l.bulkReserveChunk(ctx, rc, jobID, entityType, unique[start:end])
		if err != nil {
			return nil, err
		}
		for k, r := range won {
			results[firstIndex[k]] = r
		}
	}
	return results, nil
}

func (l *GormLineageLedger) bulkReserveChunk(
	ctx context.Context,
	rc migration.RunContext,
	jobID uuid.UUID,
	entityType migration.EntityType,
	keys []migration.LegacyKey,
) (map[migration.LegacyKey]migration.ReserveResult, error) {
	now := l.clock()
	won := make(map[migration.LegacyKey]migration.ReserveResult, len(keys))

	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)*9)
	for i, k := range keys {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, uuid.New(), rc.TenantID, jobID, string(entityType), k.System, k.ID,
			string(migration.LineageReserved), rc.WorkerID, now)
	}
	insertSQL := "INSERT INTO migration_lineage (" + lineageColumns + ") VALUES " +
		strings.Join(placeholders, ", ") + " " + lineageConflictTarget +
		" RETURNING id, legacy_system, legacy_id"

	var inserted []lineageKeyRow
	if err := l.db.WithContext(ctx).Raw(insertSQL, args...).Scan(&inserted).Error; err != nil {
		return nil, fmt.Errorf("bulk reserve lineage: %w", err)
	}
	for _, row := range inserted {
		won[row.key()] = migration.Won(row.ID)
	}
	if len(inserted) == len(keys) {
		return won, nil
	}

	pending := make([]migration.LegacyKey, 0, len(keys)-len(inserted))
	for _, k := range keys {
		if _, ok := won[k]; !ok {
			pending = append(pending, k)
		}
	}
	keyList, keyArgs := legacyKeyList(pending)
	reclaimArgs := append([]any{
		rc.WorkerID, jobID, now,
		rc.TenantID, string(entityType), string(migration.LineageReserved), now.Add(-l.leaseWindow),
	}, keyArgs...)

	var reclaimed []lineageKeyRow
	if err := l.db.WithContext(ctx).
		Raw(fmt.Sprintf(reclaimLineageBulkSQL, keyList), reclaimArgs...).
		Scan(&reclaimed).Error; err != nil {
		return nil, fmt.Errorf("bulk reclaim lineage: %w", err)
	}
	for _, row := range reclaimed {
		r := migration.Won(row.ID)
		r.Reclaimed = true
		won[row.key()] = r
	}
	if len(reclaimed) > 0 {
		logger.L(ctx).Info("reclaimed expired lineage reservations", zap.Int("count", len(reclaimed)))
	}
	return won, nil
}

// Commit finalizes a reservation held by rc.WorkerID. Zero affected rows is an
// invariant violation: the row is committed already, released, or held by
// another worker.
func (l *GormLineageLedger) Commit(ctx context.Context, rc migration.RunContext, lineageID, canonicalID uuid.UUID) error {
	res := l.db.WithContext(ctx).Exec(commitLineageSQL,
		string(migration.LineageCommitted), canonicalID, l.clock(),
		lineageID, rc.TenantID, string(migration.LineageReserved), rc.WorkerID,
	)
	if res.Error != nil {
		return fmt.Errorf("commit lineage %s: %w", lineageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return migration.NewCommitNotReservedError(lineageID)
	}
	return nil
}

// Release deletes the reservation with the given row id if rc.WorkerID still
// holds it. A reservation reclaimed by another worker is left untouched.
func (l *GormLineageLedger) Release(ctx context.Context, rc migration.RunContext, lineageID uuid.UUID) error {
	res := l.db.WithContext(ctx).Exec(releaseLineageSQL,
		lineageID, rc.TenantID, string(migration.LineageReserved), rc.WorkerID,
	)
	if res.Error != nil {
		return fmt.Errorf("release lineage %s: %w", lineageID, res.Error)
	}
	if res.RowsAffected == 0 {
		logger.L(ctx).Warn("lineage release found no held reservation",
			zap.String("lineage_id", lineageID.String()))
	}
	return nil
}

// LookupCommitted returns the committed rows among keys
func (l *GormLineageLedger) LookupCommitted(
	ctx context.Context,
	tenantID uuid.UUID,
	entityType migration.EntityType,
	keys []migration.LegacyKey,
) (map[migration.LegacyKey]migration.LineageRow, error) {
	found := make(map[migration.LegacyKey]migration.LineageRow)
	for start := 0; start < len(keys); start += l.chunkSize {
		end := min(start+l.chunkSize, len(keys))
		keyList, keyArgs := legacyKeyList(keys[start:end])
		args := append([]any{tenantID, string(entityType), string(migration.LineageCommitted)}, keyArgs...)

		var rows []models.LineageModel
		if err := l.db.WithContext(ctx).
			Where("tenant_id = ? AND entity_type = ? AND state = ? AND (legacy_system, legacy_id) IN "+keyList, args...).
			Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("lookup committed lineage: %w", err)
		}
		for i := range rows {
			row := rows[i].ToDomain()
			found[row.Key()] = row
		}
	}
	return found, nil
}

// legacyKeyList renders keys as a VALUES list usable on the right of a
// row-value IN, which both Postgres and SQLite accept.
func legacyKeyList(keys []migration.LegacyKey) (string, []any) {
	rows := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		rows[i] = "(?, ?)"
		args = append(args, k.System, k.ID)
	}
	return "(VALUES " + strings.Join(rows, ", ") + ")", args
}
