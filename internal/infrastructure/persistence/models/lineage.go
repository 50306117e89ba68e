package models

import (
	"time"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/google/uuid"
)

// LineageModel is the persistence model for a lineage row.
// (tenant_id, entity_type, legacy_system, legacy_id) is unique.
type LineageModel struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_migration_lineage_key,priority:1"`
	JobID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	EntityType   string     `gorm:"type:varchar(100);not null;uniqueIndex:uq_migration_lineage_key,priority:2"`
	LegacySystem string     `gorm:"type:varchar(100);not null;uniqueIndex:uq_migration_lineage_key,priority:3"`
	LegacyID     string     `gorm:"type:varchar(255);not null;uniqueIndex:uq_migration_lineage_key,priority:4"`
	CanonicalID  *uuid.UUID `gorm:"type:uuid"`
	State        string     `gorm:"type:varchar(20);not null"`
	Holder       string     `gorm:"type:varchar(255);not null"`
	ReservedAt   time.Time  `gorm:"type:timestamptz;not null"`
	CommittedAt  *time.Time `gorm:"type:timestamptz"`
}

// TableName returns the table name for GORM
func (LineageModel) TableName() string {
	return "migration_lineage"
}

// ToDomain converts the model to a domain lineage row
func (m *LineageModel) ToDomain() migration.LineageRow {
	return migration.LineageRow{
		ID:           m.ID,
		TenantID:     m.TenantID,
		JobID:        m.JobID,
		EntityType:   migration.EntityType(m.EntityType),
		LegacySystem: m.LegacySystem,
		LegacyID:     m.LegacyID,
		CanonicalID:  m.CanonicalID,
		State:        migration.LineageState(m.State),
		Holder:       m.Holder,
		ReservedAt:   m.ReservedAt,
		CommittedAt:  m.CommittedAt,
	}
}
