package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/migrator/internal/domain/migration"
)

// MigrationJobModel is the persistence model for the MigrationJob aggregate.
// Source, mappings and policies are stored as JSON documents.
type MigrationJobModel struct {
	TenantAggregateModel
	EntityType       string     `gorm:"type:varchar(100);not null"`
	Source           string     `gorm:"type:jsonb;not null"`
	FieldMappings    string     `gorm:"type:jsonb;not null;default:'[]'"`
	MergePolicies    string     `gorm:"type:jsonb;not null;default:'[]'"`
	ConflictStrategy string     `gorm:"type:varchar(20);not null;default:'skip'"`
	Status           string     `gorm:"type:varchar(20);not null;default:'pending'"`
	Checkpoint       string     `gorm:"type:text;not null;default:''"`
	ProcessedCount   int64      `gorm:"not null;default:0"`
	CreatedCount     int64      `gorm:"not null;default:0"`
	UpdatedCount     int64      `gorm:"not null;default:0"`
	MergedCount      int64      `gorm:"not null;default:0"`
	SkippedCount     int64      `gorm:"not null;default:0"`
	FailedCount      int64      `gorm:"not null;default:0"`
	LastError        string     `gorm:"type:text;not null;default:''"`
	StartedAt        *time.Time `gorm:"type:timestamptz"`
	CompletedAt      *time.Time `gorm:"type:timestamptz"`
}

// TableName returns the table name for GORM
func (MigrationJobModel) TableName() string {
	return "migration_jobs"
}

// FromDomain populates the model from a domain job
func (m *MigrationJobModel) FromDomain(j *migration.MigrationJob) error {
	source, err := json.Marshal(j.Source)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	mappings, err := json.Marshal(nonNil(j.FieldMappings))
	if err != nil {
		return fmt.Errorf("encode field mappings: %w", err)
	}
	policies, err := json.Marshal(nonNil(j.MergePolicies))
	if err != nil {
		return fmt.Errorf("encode merge policies: %w", err)
	}

	m.FromDomainTenantAggregateRoot(j.TenantAggregateRoot)
	m.EntityType = string(j.EntityType)
	m.Source = string(source)
	m.FieldMappings = string(mappings)
	m.MergePolicies = string(policies)
	m.ConflictStrategy = string(j.ConflictStrategy)
	m.Status = string(j.Status)
	m.Checkpoint = j.Checkpoint.Token()
	m.applyCounters(j.Counters)
	m.LastError = j.LastError
	m.StartedAt = j.StartedAt
	m.CompletedAt = j.CompletedAt
	return nil
}

func (m *MigrationJobModel) applyCounters(c migration.Counters) {
	m.ProcessedCount = c.Processed
	m.CreatedCount = c.Created
	m.UpdatedCount = c.Updated
	m.MergedCount = c.Merged
	m.SkippedCount = c.Skipped
	m.FailedCount = c.Failed
}

// ToDomain converts the model to a domain job
func (m *MigrationJobModel) ToDomain() (*migration.MigrationJob, error) {
	job := &migration.MigrationJob{
		TenantAggregateRoot: m.ToDomainTenantAggregateRoot(),
		EntityType:          migration.EntityType(m.EntityType),
		ConflictStrategy:    migration.ConflictStrategy(m.ConflictStrategy),
		Status:              migration.JobStatus(m.Status),
		Checkpoint:          migration.CursorFromToken(m.Checkpoint),
		Counters: migration.Counters{
			Processed: m.ProcessedCount,
			Created:   m.CreatedCount,
			Updated:   m.UpdatedCount,
			Merged:    m.MergedCount,
			Skipped:   m.SkippedCount,
			Failed:    m.FailedCount,
		},
		LastError:   m.LastError,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := json.Unmarshal([]byte(m.Source), &job.Source); err != nil {
		return nil, fmt.Errorf("decode source of job %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(m.FieldMappings), &job.FieldMappings); err != nil {
		return nil, fmt.Errorf("decode field mappings of job %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(m.MergePolicies), &job.MergePolicies); err != nil {
		return nil, fmt.Errorf("decode merge policies of job %s: %w", m.ID, err)
	}
	return job, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
