package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/domain/shared"
	"github.com/erp/migrator/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultJobPageSize = 20
	maxJobPageSize     = 100
)

var terminalJobStatuses = []string{
	string(migration.JobStatusCompleted),
	string(migration.JobStatusFailed),
}

// GormMigrationJobRepository implements MigrationJobRepository using GORM
type GormMigrationJobRepository struct {
	db *gorm.DB
}

var _ migration.MigrationJobRepository = (*GormMigrationJobRepository)(nil)

// NewGormMigrationJobRepository creates a new GormMigrationJobRepository
func NewGormMigrationJobRepository(db *gorm.DB) *GormMigrationJobRepository {
	return &GormMigrationJobRepository{db: db}
}

// FindByID finds a job by ID within a tenant
func (r *GormMigrationJobRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*migration.MigrationJob, error) {
	var model models.MigrationJobModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// FindAll lists a tenant's jobs, one page at a time
func (r *GormMigrationJobRepository) FindAll(ctx context.Context, tenantID uuid.UUID, filter migration.JobFilter) (*migration.JobListResult, error) {
	var total int64
	if err := r.filtered(ctx, tenantID, filter).Count(&total).Error; err != nil {
		return nil, err
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	sortField := ValidateSortField(filter.SortBy, MigrationJobSortFields, "created_at")
	sortOrder := ValidateSortOrder(filter.SortOrder)

	var rows []models.MigrationJobModel
	if err := r.filtered(ctx, tenantID, filter).
		Order(sortField + " " + sortOrder).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items, err := toDomainJobs(rows)
	if err != nil {
		return nil, err
	}
	return &migration.JobListResult{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// FindResumable finds the jobs of a tenant a run may pick up, oldest first
func (r *GormMigrationJobRepository) FindResumable(ctx context.Context, tenantID uuid.UUID) ([]*migration.MigrationJob, error) {
	statuses := []string{
		string(migration.JobStatusPending),
		string(migration.JobStatusRunning),
		string(migration.JobStatusNeedsReview),
	}
	var rows []models.MigrationJobModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, statuses).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainJobs(rows)
}

// Save creates or updates a job
func (r *GormMigrationJobRepository) Save(ctx context.Context, job *migration.MigrationJob) error {
	var model models.MigrationJobModel
	if err := model.FromDomain(job); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

// SaveProgress writes the checkpoint together with the counters and status in
// one UPDATE, so a resumed run never sees a cursor without its counters.
// The write only applies while the stored row still has job.Version and is
// not terminal; otherwise shared.ErrConcurrencyConflict is returned and the
// stored row is left as is. On success job.Version is advanced.
func (r *GormMigrationJobRepository) SaveProgress(ctx context.Context, job *migration.MigrationJob) error {
	res := r.db.WithContext(ctx).
		Model(&models.MigrationJobModel{}).
		Where("tenant_id = ? AND id = ? AND version = ? AND status NOT IN ?",
			job.TenantID, job.ID, job.Version, terminalJobStatuses).
		Updates(map[string]any{
			"checkpoint":      job.Checkpoint.Token(),
			"status":          string(job.Status),
			"processed_count": job.Counters.Processed,
			"created_count":   job.Counters.Created,
			"updated_count":   job.Counters.Updated,
			"merged_count":    job.Counters.Merged,
			"skipped_count":   job.Counters.Skipped,
			"failed_count":    job.Counters.Failed,
			"last_error":      job.LastError,
			"started_at":      job.StartedAt,
			"completed_at":    job.CompletedAt,
			"version":         job.Version + 1,
			"updated_at":      job.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("save progress of job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.MigrationJobModel{}).
			Where("tenant_id = ? AND id = ?", job.TenantID, job.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("save progress of job %s: %w", job.ID, err)
		}
		if count == 0 {
			return shared.ErrNotFound
		}
		return shared.ErrConcurrencyConflict
	}
	job.IncrementVersion()
	return nil
}

func (r *GormMigrationJobRepository) filtered(ctx context.Context, tenantID uuid.UUID, filter migration.JobFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.MigrationJobModel{}).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", string(filter.EntityType))
	}
	return query
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultJobPageSize
	}
	if pageSize > maxJobPageSize {
		pageSize = maxJobPageSize
	}
	return page, pageSize
}

func toDomainJobs(rows []models.MigrationJobModel) ([]*migration.MigrationJob, error) {
	jobs := make([]*migration.MigrationJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
