package migrationapp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/logger"
)

// Matcher links a legacy record to a canonical record that already exists
// outside the lineage ledger, e.g. one created by hand before the migration.
type Matcher interface {
	Match(ctx context.Context, job *migration.MigrationJob, record TransformedRecord) (uuid.UUID, bool, error)
}

// MatcherFunc adapts a function to Matcher
type MatcherFunc func(ctx context.Context, job *migration.MigrationJob, record TransformedRecord) (uuid.UUID, bool, error)

// Match calls f
func (f MatcherFunc) Match(ctx context.Context, job *migration.MigrationJob, record TransformedRecord) (uuid.UUID, bool, error) {
	return f(ctx, job, record)
}

// LineagePlanner classifies records against the lineage ledger. Keys already
// committed follow the job's conflict strategy; all others are reserved in one
// bulk call and planned as creates.
type LineagePlanner struct {
	ledger  migration.LineageLedger
	matcher Matcher
}

// PlannerOption configures a LineagePlanner
type PlannerOption func(*LineagePlanner)

// WithMatcher links reserved keys to pre-existing canonical records
func WithMatcher(m Matcher) PlannerOption {
	return func(p *LineagePlanner) {
		p.matcher = m
	}
}

// NewLineagePlanner creates a planner over ledger
func NewLineagePlanner(ledger migration.LineageLedger, opts ...PlannerOption) *LineagePlanner {
	p := &LineagePlanner{ledger: ledger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Planner = (*LineagePlanner)(nil)

// Plan returns one item per record, in record order
func (p *LineagePlanner) Plan(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, records []TransformedRecord) (*UpsertPlan, error) {
	plan := &UpsertPlan{Items: make([]PlanItem, len(records))}

	var candidates []int
	for i, rec := range records {
		plan.Items[i] = PlanItem{Record: rec}
		if rec.Error != nil {
			plan.Items[i].Action = ActionFail
			plan.Items[i].Error = rec.Error
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return plan, nil
	}

	keys := make([]migration.LegacyKey, len(candidates))
	for j, i := range candidates {
		keys[j] = records[i].Key
	}
	committed, err := p.ledger.LookupCommitted(ctx, rc.TenantID, job.EntityType, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to look up lineage: %w", err)
	}

	var fresh []int
	for _, i := range candidates {
		row, ok := committed[records[i].Key]
		if !ok {
			fresh = append(fresh, i)
			continue
		}
		classifyExisting(&plan.Items[i], job.ConflictStrategy, *row.CanonicalID)
	}
	if len(fresh) == 0 {
		return plan, nil
	}

	freshKeys := make([]migration.LegacyKey, len(fresh))
	for j, i := range fresh {
		freshKeys[j] = records[i].Key
	}
	results, err := p.ledger.BulkReserve(ctx, rc, job.ID, job.EntityType, freshKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lineage: %w", err)
	}

	for j, i := range fresh {
		item := &plan.Items[i]
		res := results[j]
		if !res.IsWinner {
			item.Action = ActionSkip
			item.Reason = "legacy key is held by another worker"
			continue
		}
		item.LineageID = res.LineageID
		item.Action = ActionCreate
		if res.Reclaimed {
			logger.L(ctx).Info("Reclaimed expired reservation",
				zap.String("legacy_key", item.Record.Key.String()),
				zap.String("lineage_id", res.LineageID.String()))
		}
	}

	if p.matcher != nil {
		if err := p.match(ctx, job, plan, fresh); err != nil {
			p.releaseAll(ctx, rc, plan)
			return nil, err
		}
	}
	return plan, nil
}

func (p *LineagePlanner) match(ctx context.Context, job *migration.MigrationJob, plan *UpsertPlan, fresh []int) error {
	for _, i := range fresh {
		item := &plan.Items[i]
		if item.Action != ActionCreate {
			continue
		}
		canonicalID, ok, err := p.matcher.Match(ctx, job, item.Record)
		if err != nil {
			return fmt.Errorf("failed to match %s: %w", item.Record.Key, err)
		}
		if ok {
			classifyExisting(item, job.ConflictStrategy, canonicalID)
		}
	}
	return nil
}

// releaseAll gives back every reservation of an abandoned plan. Failures are
// left to lease expiry.
func (p *LineagePlanner) releaseAll(ctx context.Context, rc migration.RunContext, plan *UpsertPlan) {
	for _, id := range plan.Reservations() {
		if err := p.ledger.Release(ctx, rc, id); err != nil {
			logger.L(ctx).Warn("Failed to release reservation of abandoned plan",
				zap.String("lineage_id", id.String()), zap.Error(err))
		}
	}
}

// classifyExisting applies the conflict strategy to a record whose canonical
// counterpart already exists. A reservation on the item is kept so the loader
// can commit or release it.
func classifyExisting(item *PlanItem, strategy migration.ConflictStrategy, canonicalID uuid.UUID) {
	item.CanonicalID = canonicalID
	switch strategy {
	case migration.ConflictUpdate:
		item.Action = ActionUpdate
	case migration.ConflictMerge:
		item.Action = ActionMerge
	case migration.ConflictFail:
		item.Action = ActionFail
		item.Error = &RecordError{
			LegacyID: item.Record.Key.ID,
			Code:     ErrCodeAlreadyMigrated,
			Message:  fmt.Sprintf("already migrated to %s", canonicalID),
		}
	default:
		item.Action = ActionSkip
		item.Reason = "already migrated"
	}
}
