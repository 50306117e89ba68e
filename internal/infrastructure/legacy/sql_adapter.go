package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/logger"
)

// ErrAdapterClosed is returned by any read after Close
var ErrAdapterClosed = errors.New("legacy adapter is closed")

// SQLAdapter reads allowlisted tables of a legacy relational database.
// The pool is opened on first use and released by Close.
type SQLAdapter struct {
	system       string
	dsn          string
	allowlist    *TableAllowlist
	builder      QueryBuilder
	pools        PoolFactory
	queryTimeout time.Duration
	columns      map[migration.EntityType][]string

	mu      sync.Mutex
	db      *sql.DB
	closed  bool
	schemas map[migration.EntityType][]migration.Column
}

// SQLAdapterOption configures a SQLAdapter
type SQLAdapterOption func(*SQLAdapter)

// WithQueryBuilder overrides the default Postgres keyset builder
func WithQueryBuilder(builder QueryBuilder) SQLAdapterOption {
	return func(a *SQLAdapter) {
		if builder != nil {
			a.builder = builder
		}
	}
}

// WithPoolFactory overrides how the connection pool is opened
func WithPoolFactory(pools PoolFactory) SQLAdapterOption {
	return func(a *SQLAdapter) {
		if pools != nil {
			a.pools = pools
		}
	}
}

// WithQueryTimeout bounds every statement the adapter issues
func WithQueryTimeout(timeout time.Duration) SQLAdapterOption {
	return func(a *SQLAdapter) {
		if timeout > 0 {
			a.queryTimeout = timeout
		}
	}
}

// WithColumns restricts the projection for entityType to columns (plus the key)
func WithColumns(entityType migration.EntityType, columns []string) SQLAdapterOption {
	return func(a *SQLAdapter) {
		a.columns[entityType] = append([]string(nil), columns...)
	}
}

// NewSQLAdapter creates an adapter for the legacy system reachable at dsn
func NewSQLAdapter(system, dsn string, allowlist *TableAllowlist, opts ...SQLAdapterOption) *SQLAdapter {
	a := &SQLAdapter{
		system:    system,
		dsn:       dsn,
		allowlist: allowlist,
		builder:   NewKeysetQueryBuilder(DialectPostgres),
		pools:     &PostgresPoolFactory{},
		columns:   make(map[migration.EntityType][]string),
		schemas:   make(map[migration.EntityType][]migration.Column),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ migration.LegacyAdapter = (*SQLAdapter)(nil)

// ExtractBatch reads the next keyset page after cursor
func (a *SQLAdapter) ExtractBatch(ctx context.Context, entityType migration.EntityType, batchSize int, cursor migration.Cursor) (migration.Batch, error) {
	table, err := a.allowlist.Resolve(entityType)
	if err != nil {
		return migration.Batch{}, err
	}
	if batchSize <= 0 {
		return migration.Batch{}, migration.NewConfigurationError("batch size must be positive, got %d", batchSize)
	}
	pos, resumed, err := decodeCursor(cursor)
	if err != nil {
		return migration.Batch{}, err
	}

	schema, err := a.GetSchema(ctx, entityType)
	if err != nil {
		return migration.Batch{}, err
	}
	req := ExtractRequest{
		Table:   table,
		Schema:  schema,
		Columns: a.columns[entityType],
		Limit:   batchSize,
	}
	if resumed {
		req.After = &pos.Key
	}
	query, err := a.builder.BuildExtract(req)
	if err != nil {
		return migration.Batch{}, err
	}

	db, err := a.pool(ctx)
	if err != nil {
		return migration.Batch{}, err
	}
	qctx, cancel := a.withTimeout(ctx)
	defer cancel()

	rows, err := db.QueryContext(qctx, query.SQL, query.Args...)
	if err != nil {
		return migration.Batch{}, fmt.Errorf("failed to extract %s from %s: %w", entityType, a.system, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return migration.Batch{}, fmt.Errorf("failed to read %s from %s: %w", entityType, a.system, err)
	}

	batch := migration.Batch{Records: records, NextCursor: cursor}
	if len(records) > 0 {
		batch.NextCursor = encodeCursor(position{Key: records[len(records)-1].LegacyID})
	}
	logger.L(ctx).Debug("Extracted legacy batch",
		zap.String("legacy_system", a.system),
		zap.String("entity_type", string(entityType)),
		zap.Int("records", len(records)))
	return batch, nil
}

// GetSchema introspects the allowlisted table once and caches the result
func (a *SQLAdapter) GetSchema(ctx context.Context, entityType migration.EntityType) ([]migration.Column, error) {
	table, err := a.allowlist.Resolve(entityType)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	cached, ok := a.schemas[entityType]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	db, err := a.pool(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := a.withTimeout(ctx)
	defer cancel()

	query := a.builder.BuildSchema(table)
	rows, err := db.QueryContext(qctx, query.SQL, query.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s.%s: %w", table.Schema, table.Table, err)
	}
	defer rows.Close()

	var columns []migration.Column
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s.%s: %w", table.Schema, table.Table, err)
		}
		columns = append(columns, migration.Column{Name: name, DataType: dataType, Nullable: nullable == "YES"})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to introspect %s.%s: %w", table.Schema, table.Table, err)
	}
	if len(columns) == 0 {
		return nil, migration.NewConfigurationError("table %s.%s does not exist in %s", table.Schema, table.Table, a.system)
	}

	a.mu.Lock()
	a.schemas[entityType] = columns
	a.mu.Unlock()
	return columns, nil
}

// HealthCheck pings the legacy database
func (a *SQLAdapter) HealthCheck(ctx context.Context) error {
	db, err := a.pool(ctx)
	if err != nil {
		return err
	}
	qctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := db.PingContext(qctx); err != nil {
		return fmt.Errorf("legacy system %s is unreachable: %w", a.system, err)
	}
	return nil
}

// Close releases the pool. It is safe to call more than once.
func (a *SQLAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *SQLAdapter) pool(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if a.db != nil {
		return a.db, nil
	}
	db, err := a.pools.Open(ctx, a.dsn)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *SQLAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.queryTimeout)
}

// scanRecords reads rows whose first column is the key column
func scanRecords(rows *sql.Rows) ([]migration.RawRecord, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var records []migration.RawRecord
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		key, err := formatKey(values[0])
		if err != nil {
			return nil, err
		}
		payload := make(map[string]any, len(names))
		for i, name := range names {
			payload[name] = normalizeValue(values[i])
		}
		records = append(records, migration.RawRecord{LegacyID: key, Payload: payload})
	}
	return records, rows.Err()
}

// formatKey renders a key column value as the legacy id and keyset position.
// The rendering must compare equal to the column when bound back as a query
// argument, so timestamps keep their full precision and offset.
func formatKey(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", migration.NewConfigurationError("key column returned NULL")
	case string:
		return k, nil
	case []byte:
		return string(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int:
		return strconv.Itoa(k), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), nil
	case time.Time:
		return k.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return k.String(), nil
	default:
		return fmt.Sprint(k), nil
	}
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
