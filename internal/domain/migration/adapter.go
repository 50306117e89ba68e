package migration

import "context"

// EntityType is the logical type of the records being migrated (e.g. "customers").
// Adapters resolve it to a concrete source object through a static allowlist.
type EntityType string

// RawRecord is one record as extracted from a legacy source
type RawRecord struct {
	LegacyID string
	Payload  map[string]any
}

// Batch is a bounded slice of raw records plus the cursor continuing after them
type Batch struct {
	Records    []RawRecord
	NextCursor Cursor
}

// IsEmpty reports whether extraction is exhausted
func (b Batch) IsEmpty() bool {
	return len(b.Records) == 0
}

// Column describes one column of a legacy source object
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// LegacyAdapter is read-only access to one external legacy system.
// Implementations never write to the legacy system.
type LegacyAdapter interface {
	// ExtractBatch returns at most batchSize records following cursor.
	// An empty batch means extraction is exhausted.
	ExtractBatch(ctx context.Context, entityType EntityType, batchSize int, cursor Cursor) (Batch, error)

	// GetSchema returns the columns available for entityType
	GetSchema(ctx context.Context, entityType EntityType) ([]Column, error)

	// HealthCheck checks the source independently of any entity type
	HealthCheck(ctx context.Context) error

	// Close releases any connection resource held by the adapter
	Close() error
}

// ColumnNames returns the names of the given columns in order
func ColumnNames(columns []Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
