package migrationapp

import (
	"github.com/google/uuid"

	"github.com/erp/migrator/internal/domain/migration"
)

// CreateJobRequest describes a new migration job
type CreateJobRequest struct {
	TenantID         uuid.UUID                  `json:"tenant_id" validate:"required"`
	EntityType       migration.EntityType       `json:"entity_type" validate:"required,max=64"`
	Source           migration.SourceConfig     `json:"source" validate:"required"`
	FieldMappings    []migration.FieldMapping   `json:"field_mappings" validate:"required,min=1,dive"`
	MergePolicies    []migration.MergePolicy    `json:"merge_policies" validate:"omitempty,dive"`
	ConflictStrategy migration.ConflictStrategy `json:"conflict_strategy" validate:"required,oneof=skip update merge fail"`
}
