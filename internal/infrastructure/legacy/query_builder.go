package legacy

import (
	"fmt"
	"strings"

	"github.com/erp/migrator/internal/domain/migration"
)

// Dialect selects the placeholder syntax of generated statements
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Query is generated SQL plus its bound arguments
type Query struct {
	SQL  string
	Args []any
}

// ExtractRequest describes one keyset page to read from an allowlisted table
type ExtractRequest struct {
	Table TableSpec
	// Schema is the introspected column list of Table
	Schema []migration.Column
	// Columns restricts the projection; empty selects every introspected column
	Columns []string
	// After is the last key already read; nil reads from the start
	After *string
	Limit int
}

// QueryBuilder generates read-only SQL for allowlisted tables
type QueryBuilder interface {
	BuildExtract(req ExtractRequest) (Query, error)
	BuildSchema(table TableSpec) Query
}

// KeysetQueryBuilder generates keyset-paginated SELECTs ordered by the key column
type KeysetQueryBuilder struct {
	dialect Dialect
}

// NewKeysetQueryBuilder creates a query builder for dialect
func NewKeysetQueryBuilder(dialect Dialect) *KeysetQueryBuilder {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &KeysetQueryBuilder{dialect: dialect}
}

var _ QueryBuilder = (*KeysetQueryBuilder)(nil)

func (b *KeysetQueryBuilder) placeholder(n int) string {
	if b.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// BuildExtract returns SELECT key, cols FROM table WHERE key IS NOT NULL
// [AND key > $1] ORDER BY key LIMIT $n. Rows without a key cannot be
// addressed by a cursor or a lineage entry, so they are never extracted.
// Requested columns absent from the introspected schema are rejected before
// any SQL is produced.
func (b *KeysetQueryBuilder) BuildExtract(req ExtractRequest) (Query, error) {
	if req.Limit <= 0 {
		return Query{}, migration.NewConfigurationError("batch size must be positive, got %d", req.Limit)
	}
	known := make(map[string]struct{}, len(req.Schema))
	for _, c := range req.Schema {
		known[c.Name] = struct{}{}
	}
	if _, ok := known[req.Table.KeyColumn]; !ok {
		return Query{}, migration.NewConfigurationError("key column %q not found in %s.%s",
			req.Table.KeyColumn, req.Table.Schema, req.Table.Table)
	}

	columns := req.Columns
	if len(columns) == 0 {
		columns = migration.ColumnNames(req.Schema)
	}
	var missing []string
	for _, c := range columns {
		if _, ok := known[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Query{}, migration.NewConfigurationError("columns not found in %s.%s: %s",
			req.Table.Schema, req.Table.Table, strings.Join(missing, ", "))
	}

	projection := []string{QuoteIdentifier(req.Table.KeyColumn)}
	for _, c := range columns {
		if c == req.Table.KeyColumn {
			continue
		}
		if !ValidIdentifier(c) {
			return Query{}, migration.NewConfigurationError("invalid column name %q", c)
		}
		projection = append(projection, QuoteIdentifier(c))
	}

	key := QuoteIdentifier(req.Table.KeyColumn)
	var sb strings.Builder
	args := make([]any, 0, 2)
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(projection, ", "), req.Table.QualifiedName())
	fmt.Fprintf(&sb, " WHERE %s IS NOT NULL", key)
	if req.After != nil {
		args = append(args, *req.After)
		fmt.Fprintf(&sb, " AND %s > %s", key, b.placeholder(len(args)))
	}
	args = append(args, req.Limit)
	fmt.Fprintf(&sb, " ORDER BY %s LIMIT %s", key, b.placeholder(len(args)))

	return Query{SQL: sb.String(), Args: args}, nil
}

// BuildSchema returns the information_schema lookup for table
func (b *KeysetQueryBuilder) BuildSchema(table TableSpec) Query {
	return Query{
		SQL: fmt.Sprintf("SELECT column_name, data_type, is_nullable FROM information_schema.columns "+
			"WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position",
			b.placeholder(1), b.placeholder(2)),
		Args: []any{table.Schema, table.Table},
	}
}
