package migration

import (
	"github.com/erp/migrator/internal/domain/shared"
	"github.com/google/uuid"
)

// RunContext is the ephemeral identity of one pipeline invocation.
// It is never persisted beyond logs and the lineage holder column.
type RunContext struct {
	TenantID  uuid.UUID
	WorkerID  string
	RequestID string
}

// NewRunContext creates a RunContext, generating a request ID when empty
func NewRunContext(tenantID uuid.UUID, workerID, requestID string) RunContext {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return RunContext{
		TenantID:  tenantID,
		WorkerID:  workerID,
		RequestID: requestID,
	}
}

// Validate checks the run context carries a tenant and a worker identity
func (rc RunContext) Validate() error {
	if rc.TenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_RUN_CONTEXT", "Run context tenant ID cannot be empty")
	}
	if rc.WorkerID == "" {
		return shared.NewDomainError("INVALID_RUN_CONTEXT", "Run context worker ID cannot be empty")
	}
	return nil
}
