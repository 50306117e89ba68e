// Package migrationapp drives resumable legacy-to-canonical migration runs.
//
// A run is a fixed skeleton (preflight gate, extract, transform, plan, load,
// checkpoint, postflight gate) with each step injected as a strategy value.
package migrationapp

import (
	"context"

	"github.com/google/uuid"

	"github.com/erp/migrator/internal/domain/migration"
)

// TransformedRecord is a raw record coerced into target-shaped fields.
// A non-empty Error marks a per-record transform failure.
type TransformedRecord struct {
	Key    migration.LegacyKey
	Fields map[string]any
	Error  *RecordError
}

// Action classifies what the loader does with one record
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionMerge  Action = "merge"
	ActionSkip   Action = "skip"
	ActionFail   Action = "fail"
)

// PlanItem is the planned handling of one record. LineageID is set when the
// planner holds a reservation the loader must commit or release.
type PlanItem struct {
	Record      TransformedRecord
	Action      Action
	LineageID   uuid.UUID
	CanonicalID uuid.UUID
	// Reason explains a skip
	Reason string
	// Error explains a fail
	Error *RecordError
}

// Reserved reports whether the item carries a reservation
func (p PlanItem) Reserved() bool {
	return p.LineageID != uuid.Nil
}

// UpsertPlan is the ordered plan of one batch
type UpsertPlan struct {
	Items []PlanItem
}

// Reservations returns the reservation ids held by the plan
func (p *UpsertPlan) Reservations() []uuid.UUID {
	var ids []uuid.UUID
	for _, item := range p.Items {
		if item.Reserved() {
			ids = append(ids, item.LineageID)
		}
	}
	return ids
}

// LoadResult is the outcome of loading one plan
type LoadResult struct {
	Counters migration.Counters
	Errors   []RecordError
}

// Transformer maps raw records to target-shaped records
type Transformer interface {
	Transform(ctx context.Context, job *migration.MigrationJob, records []migration.RawRecord) ([]TransformedRecord, error)
}

// TransformerFunc adapts a function to Transformer
type TransformerFunc func(ctx context.Context, job *migration.MigrationJob, records []migration.RawRecord) ([]TransformedRecord, error)

// Transform calls f
func (f TransformerFunc) Transform(ctx context.Context, job *migration.MigrationJob, records []migration.RawRecord) ([]TransformedRecord, error) {
	return f(ctx, job, records)
}

// Planner classifies transformed records and takes reservations
type Planner interface {
	Plan(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, records []TransformedRecord) (*UpsertPlan, error)
}

// PlannerFunc adapts a function to Planner
type PlannerFunc func(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, records []TransformedRecord) (*UpsertPlan, error)

// Plan calls f
func (f PlannerFunc) Plan(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, records []TransformedRecord) (*UpsertPlan, error) {
	return f(ctx, job, rc, records)
}

// Loader writes a plan to the target and settles its reservations
type Loader interface {
	Load(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, plan *UpsertPlan) (*LoadResult, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, plan *UpsertPlan) (*LoadResult, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, plan *UpsertPlan) (*LoadResult, error) {
	return f(ctx, job, rc, plan)
}
