package migration

import (
	"fmt"
	"time"

	"github.com/erp/migrator/internal/domain/shared"
	"github.com/google/uuid"
)

// JobStatus represents the status of a migration job
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusRunning     JobStatus = "running"
	JobStatusNeedsReview JobStatus = "needs_review"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// IsValid checks if the status is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusNeedsReview,
		JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ConflictStrategy defines what to do with a legacy record whose key was
// already migrated to a canonical record
type ConflictStrategy string

const (
	ConflictSkip   ConflictStrategy = "skip"
	ConflictUpdate ConflictStrategy = "update"
	ConflictMerge  ConflictStrategy = "merge"
	ConflictFail   ConflictStrategy = "fail"
)

// IsValid checks if the conflict strategy is valid
func (c ConflictStrategy) IsValid() bool {
	switch c {
	case ConflictSkip, ConflictUpdate, ConflictMerge, ConflictFail:
		return true
	}
	return false
}

// TransportKind identifies how a legacy source is reached
type TransportKind string

const (
	TransportSQL TransportKind = "sql"
	TransportCSV TransportKind = "csv"
)

// SourceConfig describes the legacy source of a job
type SourceConfig struct {
	Transport  TransportKind `json:"transport" validate:"required,oneof=sql csv"`
	SystemName string        `json:"system_name" validate:"required,max=100"`
	// Connection is a DSN for SQL sources or a file/object root (path or s3://bucket/prefix) for CSV sources
	Connection string `json:"connection" validate:"required"`
	Schema     string `json:"schema,omitempty" validate:"omitempty,max=63"`
}

// Counters are the job-level outcome counters accumulated across batches
type Counters struct {
	Processed int64 `json:"processed"`
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Merged    int64 `json:"merged"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Add accumulates other into c
func (c *Counters) Add(other Counters) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Merged += other.Merged
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

// Succeeded returns the number of records that reached the target
func (c Counters) Succeeded() int64 {
	return c.Created + c.Updated + c.Merged
}

// FailureRatio returns failed/processed, or 0 when nothing was processed
func (c Counters) FailureRatio() float64 {
	if c.Processed == 0 {
		return 0
	}
	return float64(c.Failed) / float64(c.Processed)
}

// MigrationJob is one bounded, resumable import of an entity type from a legacy source
type MigrationJob struct {
	shared.TenantAggregateRoot
	EntityType       EntityType       `json:"entity_type"`
	Source           SourceConfig     `json:"source"`
	FieldMappings    []FieldMapping   `json:"field_mappings"`
	MergePolicies    []MergePolicy    `json:"merge_policies,omitempty"`
	ConflictStrategy ConflictStrategy `json:"conflict_strategy"`
	Status           JobStatus        `json:"status"`
	Checkpoint       Cursor           `json:"-"`
	Counters         Counters         `json:"counters"`
	LastError        string           `json:"last_error,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// NewMigrationJob creates a new pending migration job
func NewMigrationJob(
	tenantID uuid.UUID,
	entityType EntityType,
	source SourceConfig,
	mappings []FieldMapping,
	policies []MergePolicy,
	strategy ConflictStrategy,
) (*MigrationJob, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if entityType == "" {
		return nil, shared.NewDomainError("INVALID_ENTITY_TYPE", "Entity type cannot be empty")
	}
	if source.SystemName == "" {
		return nil, shared.NewDomainError("INVALID_SOURCE", "Legacy system name cannot be empty")
	}
	if source.Transport != TransportSQL && source.Transport != TransportCSV {
		return nil, shared.NewDomainError("INVALID_SOURCE", fmt.Sprintf("Unsupported transport: %s", source.Transport))
	}
	if !strategy.IsValid() {
		return nil, shared.NewDomainError("INVALID_CONFLICT_STRATEGY", fmt.Sprintf("Invalid conflict strategy: %s", strategy))
	}
	if err := validateMappings(mappings); err != nil {
		return nil, err
	}
	if err := validatePolicies(policies); err != nil {
		return nil, err
	}

	return &MigrationJob{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		EntityType:          entityType,
		Source:              source,
		FieldMappings:       mappings,
		MergePolicies:       policies,
		ConflictStrategy:    strategy,
		Status:              JobStatusPending,
		Checkpoint:          StartCursor,
	}, nil
}

// LegacyKey builds the legacy key of a record extracted for this job
func (j *MigrationJob) LegacyKey(legacyID string) LegacyKey {
	return LegacyKey{System: j.Source.SystemName, ID: legacyID}
}

// Start moves the job into running state. Running, pending and needs_review
// jobs may be (re)started; a crashed run leaves the job running.
func (j *MigrationJob) Start() error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, j.ID, j.Status)
	}
	now := time.Now()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Status = JobStatusRunning
	j.LastError = ""
	j.UpdatedAt = now
	return nil
}

// RecordBatch rolls one batch outcome into the counters and advances the checkpoint
func (j *MigrationJob) RecordBatch(next Cursor, outcome Counters) error {
	if j.Status != JobStatusRunning {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot record batch in state: %s", j.Status))
	}
	j.Counters.Add(outcome)
	j.Checkpoint = next
	j.UpdatedAt = time.Now()
	return nil
}

// Complete marks the job as completed
func (j *MigrationJob) Complete() error {
	if j.Status != JobStatusRunning {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot complete from state: %s", j.Status))
	}
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkNeedsReview flags a finished extraction whose postflight gate failed.
// Already committed work is kept.
func (j *MigrationJob) MarkNeedsReview(reason string) error {
	if j.Status != JobStatusRunning {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot flag for review from state: %s", j.Status))
	}
	j.Status = JobStatusNeedsReview
	j.LastError = reason
	j.UpdatedAt = time.Now()
	return nil
}

// Fail marks the job as failed. Used for non-retryable errors only.
func (j *MigrationJob) Fail(reason string) error {
	if j.Status.IsTerminal() {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot fail from terminal state: %s", j.Status))
	}
	now := time.Now()
	j.Status = JobStatusFailed
	j.LastError = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Interrupt records a retryable error without leaving running state, so the
// next run resumes from the persisted checkpoint
func (j *MigrationJob) Interrupt(reason string) {
	j.LastError = reason
	j.UpdatedAt = time.Now()
}
