package migration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for errors.Is dispatch across the error taxonomy.
var (
	// ErrConfiguration marks non-retryable configuration problems
	// (unknown entity type, missing allowlist entry, invalid mapping).
	ErrConfiguration = errors.New("migration configuration error")

	// ErrInvariantViolation marks programming-invariant violations in the
	// lineage protocol. These are never retried automatically.
	ErrInvariantViolation = errors.New("lineage invariant violation")

	// ErrGateFailed marks a failed preflight or postflight gate.
	ErrGateFailed = errors.New("migration gate failed")

	// ErrJobTerminal is returned when a run is requested for a completed or failed job.
	ErrJobTerminal = errors.New("migration job is in a terminal state")
)

// ConfigurationError is a fail-fast, non-retryable error.
type ConfigurationError struct {
	Message string
}

// NewConfigurationError creates a ConfigurationError with a formatted message
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrConfiguration) true for any ConfigurationError
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnknownEntityTypeError reports an entity type missing from an allowlist.
// The message enumerates the allowed entity types.
func UnknownEntityTypeError(entityType EntityType, allowed []EntityType) *ConfigurationError {
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return NewConfigurationError("unknown entity type %q: allowed entity types are [%s]",
		entityType, strings.Join(names, ", "))
}

// InvariantViolationError signals a bug in caller logic, such as committing a
// lineage row that is not currently held in reserved state.
type InvariantViolationError struct {
	LineageID uuid.UUID
	Message   string
}

// Error implements the error interface
func (e *InvariantViolationError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrInvariantViolation) true for any InvariantViolationError
func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// NewCommitNotReservedError is raised when a commit affected no row.
func NewCommitNotReservedError(lineageID uuid.UUID) *InvariantViolationError {
	return &InvariantViolationError{
		LineageID: lineageID,
		Message:   fmt.Sprintf("lineage commit failed (not reserved): %s", lineageID),
	}
}

// GateFailedError is returned when a preflight or postflight gate does not pass.
type GateFailedError struct {
	Phase  GatePhase
	Gate   string
	Reason string
}

// Error implements the error interface
func (e *GateFailedError) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("%s gate %q failed: %s", e.Phase, e.Gate, e.Reason)
	}
	return fmt.Sprintf("%s gate failed: %s", e.Phase, e.Reason)
}

// Is makes errors.Is(err, ErrGateFailed) true for any GateFailedError
func (e *GateFailedError) Is(target error) bool {
	return target == ErrGateFailed
}

// GatePhase identifies where a gate runs relative to the extract loop
type GatePhase string

const (
	GatePreflight  GatePhase = "preflight"
	GatePostflight GatePhase = "postflight"
)

// IsRetryable reports whether re-running the job is the right recovery for err.
// Configuration errors and invariant violations are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrInvariantViolation)
}
