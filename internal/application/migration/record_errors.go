package migrationapp

import "fmt"

// Record error codes
const (
	ErrCodeMissingLegacyID = "ERR_MIGRATION_MISSING_LEGACY_ID"
	ErrCodeRequiredField   = "ERR_MIGRATION_REQUIRED_FIELD"
	ErrCodeInvalidType     = "ERR_MIGRATION_INVALID_TYPE"
	ErrCodeAlreadyMigrated = "ERR_MIGRATION_ALREADY_MIGRATED"
	ErrCodeWriteFailed     = "ERR_MIGRATION_WRITE_FAILED"
)

// RecordError is a per-record failure. It is counted, never returned.
type RecordError struct {
	LegacyID string `json:"legacy_id"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Value    string `json:"value,omitempty"`
}

// Error implements the error interface
func (e RecordError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("record %s, field '%s': %s", e.LegacyID, e.Field, e.Message)
	}
	return fmt.Sprintf("record %s: %s", e.LegacyID, e.Message)
}

// ErrorCollection keeps the first maxErrors record errors and counts the rest
type ErrorCollection struct {
	errors     []RecordError
	maxErrors  int
	totalCount int
}

// NewErrorCollection creates a new ErrorCollection with a maximum error limit
func NewErrorCollection(maxErrors int) *ErrorCollection {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	return &ErrorCollection{
		errors:    make([]RecordError, 0, min(maxErrors, 16)),
		maxErrors: maxErrors,
	}
}

// Add adds an error to the collection
func (ec *ErrorCollection) Add(errs ...RecordError) {
	for _, err := range errs {
		ec.totalCount++
		if len(ec.errors) < ec.maxErrors {
			ec.errors = append(ec.errors, err)
		}
	}
}

// Errors returns the collected errors
func (ec *ErrorCollection) Errors() []RecordError {
	return ec.errors
}

// TotalCount returns the total number of errors including those not collected
func (ec *ErrorCollection) TotalCount() int {
	return ec.totalCount
}

// IsTruncated reports whether errors were dropped
func (ec *ErrorCollection) IsTruncated() bool {
	return ec.totalCount > len(ec.errors)
}
