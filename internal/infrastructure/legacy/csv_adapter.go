package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/logger"
)

// CSVAdapter reads allowlisted CSV files from an object source. Its cursor
// counts the data rows already consumed.
type CSVAdapter struct {
	system    string
	allowlist *FileAllowlist
	source    ObjectSource
	delimiter rune

	mu     sync.Mutex
	closed bool
}

// CSVAdapterOption configures a CSVAdapter
type CSVAdapterOption func(*CSVAdapter)

// WithDelimiter sets the field delimiter (default is comma)
func WithDelimiter(d rune) CSVAdapterOption {
	return func(a *CSVAdapter) {
		a.delimiter = d
	}
}

// NewCSVAdapter creates an adapter over source
func NewCSVAdapter(system string, allowlist *FileAllowlist, source ObjectSource, opts ...CSVAdapterOption) *CSVAdapter {
	a := &CSVAdapter{
		system:    system,
		allowlist: allowlist,
		source:    source,
		delimiter: ',',
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ migration.LegacyAdapter = (*CSVAdapter)(nil)

// ExtractBatch reads up to batchSize non-empty rows after the cursor offset
func (a *CSVAdapter) ExtractBatch(ctx context.Context, entityType migration.EntityType, batchSize int, cursor migration.Cursor) (migration.Batch, error) {
	spec, err := a.allowlist.Resolve(entityType)
	if err != nil {
		return migration.Batch{}, err
	}
	if batchSize <= 0 {
		return migration.Batch{}, migration.NewConfigurationError("batch size must be positive, got %d", batchSize)
	}
	pos, _, err := decodeCursor(cursor)
	if err != nil {
		return migration.Batch{}, err
	}
	if err := a.ensureOpen(); err != nil {
		return migration.Batch{}, err
	}

	reader, closeFn, err := a.open(ctx, spec)
	if err != nil {
		return migration.Batch{}, err
	}
	defer closeFn()
	if !containsHeader(reader.headers, spec.KeyColumn) {
		return migration.Batch{}, migration.NewConfigurationError("key column %q not found in %s", spec.KeyColumn, spec.Name)
	}

	offset := pos.Offset
	for skipped := int64(0); skipped < offset; skipped++ {
		if _, err := reader.next(); err != nil {
			if errors.Is(err, io.EOF) {
				return migration.Batch{NextCursor: cursor}, nil
			}
			return migration.Batch{}, err
		}
	}

	records := make([]migration.RawRecord, 0, batchSize)
	for len(records) < batchSize {
		row, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return migration.Batch{}, fmt.Errorf("failed to read %s: %w", spec.Name, err)
		}
		offset++
		if row.isEmpty() {
			continue
		}
		payload := make(map[string]any, len(row.Data))
		for k, v := range row.Data {
			payload[k] = v
		}
		records = append(records, migration.RawRecord{LegacyID: row.Data[spec.KeyColumn], Payload: payload})
	}

	batch := migration.Batch{Records: records, NextCursor: cursor}
	if len(records) > 0 {
		batch.NextCursor = encodeCursor(position{Offset: offset})
	}
	logger.L(ctx).Debug("Extracted legacy batch",
		zap.String("legacy_system", a.system),
		zap.String("entity_type", string(entityType)),
		zap.Int("records", len(records)),
		zap.Int64("offset", offset))
	return batch, nil
}

// GetSchema returns the header row as text columns
func (a *CSVAdapter) GetSchema(ctx context.Context, entityType migration.EntityType) ([]migration.Column, error) {
	spec, err := a.allowlist.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	reader, closeFn, err := a.open(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	columns := make([]migration.Column, len(reader.headers))
	for i, h := range reader.headers {
		columns[i] = migration.Column{Name: h, DataType: "text", Nullable: true}
	}
	return columns, nil
}

// HealthCheck checks that the object source is reachable
func (a *CSVAdapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if err := a.source.Ping(ctx); err != nil {
		return fmt.Errorf("legacy system %s is unreachable: %w", a.system, err)
	}
	return nil
}

// Close marks the adapter closed. It is safe to call more than once.
func (a *CSVAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *CSVAdapter) ensureOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAdapterClosed
	}
	return nil
}

func (a *CSVAdapter) open(ctx context.Context, spec FileSpec) (*csvReader, func(), error) {
	rc, err := a.source.Open(ctx, spec.Name)
	if err != nil {
		return nil, nil, err
	}
	reader, err := newCSVReader(rc, a.delimiter)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("failed to parse %s: %w", spec.Name, err)
	}
	return reader, func() { _ = rc.Close() }, nil
}

func containsHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}
