package migration

import (
	"context"

	"github.com/google/uuid"
)

// JobFilter narrows a job listing
type JobFilter struct {
	Status     JobStatus
	EntityType EntityType
	SortBy     string
	SortOrder  string
	Page       int
	PageSize   int
}

// JobListResult is one page of jobs
type JobListResult struct {
	Items      []*MigrationJob
	TotalCount int64
	Page       int
	PageSize   int
}

// MigrationJobRepository defines the interface for migration job persistence
type MigrationJobRepository interface {
	// FindByID finds a job by ID within a tenant
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*MigrationJob, error)

	// FindAll lists a tenant's jobs
	FindAll(ctx context.Context, tenantID uuid.UUID, filter JobFilter) (*JobListResult, error)

	// FindResumable finds pending, running and needs_review jobs of a tenant, oldest first
	FindResumable(ctx context.Context, tenantID uuid.UUID) ([]*MigrationJob, error)

	// Save creates or updates a job
	Save(ctx context.Context, job *MigrationJob) error

	// SaveProgress atomically persists the checkpoint, counters and status of a job
	SaveProgress(ctx context.Context, job *MigrationJob) error
}
