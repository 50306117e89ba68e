package migrationapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/logger"
)

// TargetWriter persists canonical records. A nil error from Create or Update
// means the write is durable; the lineage commit follows it.
type TargetWriter interface {
	Create(ctx context.Context, job *migration.MigrationJob, record TransformedRecord) (uuid.UUID, error)
	Fetch(ctx context.Context, job *migration.MigrationJob, canonicalID uuid.UUID) (map[string]any, error)
	Update(ctx context.Context, job *migration.MigrationJob, canonicalID uuid.UUID, fields map[string]any) error
}

// LedgerLoader writes plan items through a TargetWriter and settles each
// reservation: commit after a successful write, release otherwise.
type LedgerLoader struct {
	ledger migration.LineageLedger
	writer TargetWriter
}

// NewLedgerLoader creates a loader
func NewLedgerLoader(ledger migration.LineageLedger, writer TargetWriter) *LedgerLoader {
	return &LedgerLoader{ledger: ledger, writer: writer}
}

var _ Loader = (*LedgerLoader)(nil)

// Load processes items in order. Writer failures are per-record outcomes
// unless the context ended; ledger failures abort the batch.
func (l *LedgerLoader) Load(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, plan *UpsertPlan) (*LoadResult, error) {
	result := &LoadResult{}
	for idx, item := range plan.Items {
		if err := l.loadItem(ctx, job, rc, item, result); err != nil {
			l.releaseRemaining(ctx, rc, plan.Items[idx+1:])
			return nil, err
		}
	}
	return result, nil
}

func (l *LedgerLoader) loadItem(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, item PlanItem, result *LoadResult) error {
	result.Counters.Processed++

	switch item.Action {
	case ActionCreate:
		canonicalID, err := l.writer.Create(ctx, job, item.Record)
		if err != nil {
			return l.writeFailed(ctx, rc, item, err, result)
		}
		if err := l.ledger.Commit(ctx, rc, item.LineageID, canonicalID); err != nil {
			return err
		}
		result.Counters.Created++

	case ActionUpdate, ActionMerge:
		fields := item.Record.Fields
		if item.Action == ActionMerge {
			existing, err := l.writer.Fetch(ctx, job, item.CanonicalID)
			if err != nil {
				return l.writeFailed(ctx, rc, item, err, result)
			}
			fields = migration.MergeFields(existing, fields, job.MergePolicies)
		}
		if err := l.writer.Update(ctx, job, item.CanonicalID, fields); err != nil {
			return l.writeFailed(ctx, rc, item, err, result)
		}
		if item.Reserved() {
			if err := l.ledger.Commit(ctx, rc, item.LineageID, item.CanonicalID); err != nil {
				return err
			}
		}
		if item.Action == ActionMerge {
			result.Counters.Merged++
		} else {
			result.Counters.Updated++
		}

	case ActionSkip:
		if err := l.release(ctx, rc, item); err != nil {
			return err
		}
		result.Counters.Skipped++

	default:
		if err := l.release(ctx, rc, item); err != nil {
			return err
		}
		result.Counters.Failed++
		recErr := RecordError{LegacyID: item.Record.Key.ID, Code: ErrCodeWriteFailed, Message: "record failed"}
		if item.Error != nil {
			recErr = *item.Error
			recErr.LegacyID = item.Record.Key.ID
		}
		result.Errors = append(result.Errors, recErr)
	}
	return nil
}

// writeFailed releases the item's reservation and records the failure. A
// cancelled or expired context aborts the batch instead.
func (l *LedgerLoader) writeFailed(ctx context.Context, rc migration.RunContext, item PlanItem, writeErr error, result *LoadResult) error {
	if errors.Is(writeErr, context.Canceled) || errors.Is(writeErr, context.DeadlineExceeded) {
		l.releaseRemaining(ctx, rc, []PlanItem{item})
		return writeErr
	}
	if err := l.release(ctx, rc, item); err != nil {
		return err
	}
	result.Counters.Failed++
	result.Errors = append(result.Errors, RecordError{
		LegacyID: item.Record.Key.ID,
		Code:     ErrCodeWriteFailed,
		Message:  fmt.Sprintf("%s failed: %v", item.Action, writeErr),
	})
	return nil
}

func (l *LedgerLoader) release(ctx context.Context, rc migration.RunContext, item PlanItem) error {
	if !item.Reserved() {
		return nil
	}
	return l.ledger.Release(ctx, rc, item.LineageID)
}

// releaseRemaining hands back the reservations of items the batch will not
// reach. It runs even after cancellation; failures are left to lease expiry.
func (l *LedgerLoader) releaseRemaining(ctx context.Context, rc migration.RunContext, items []PlanItem) {
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if err := l.release(ctx, rc, item); err != nil {
			logger.L(ctx).Warn("Failed to release reservation of aborted batch",
				zap.String("lineage_id", item.LineageID.String()), zap.Error(err))
		}
	}
}
