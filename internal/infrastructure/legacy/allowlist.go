// Package legacy implements read-only adapters over external legacy systems.
// Entity types resolve to concrete tables or files only through static
// allowlists; no caller-supplied name is ever interpolated into SQL.
package legacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/erp/migrator/internal/domain/migration"
)

const defaultSchema = "public"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is a plain SQL identifier
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// QuoteIdentifier double-quotes a validated identifier
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableSpec is the concrete table an entity type resolves to. KeyColumn is
// the unique, totally ordered column used as legacy id and keyset position.
type TableSpec struct {
	Schema    string
	Table     string
	KeyColumn string
}

// QualifiedName returns the quoted schema-qualified table name
func (s TableSpec) QualifiedName() string {
	return QuoteIdentifier(s.Schema) + "." + QuoteIdentifier(s.Table)
}

func (s TableSpec) validate() error {
	for _, ident := range []string{s.Schema, s.Table, s.KeyColumn} {
		if !ValidIdentifier(ident) {
			return fmt.Errorf("invalid identifier %q", ident)
		}
	}
	return nil
}

// TableAllowlist is the static entity type to table mapping of a SQL source
type TableAllowlist struct {
	tables map[migration.EntityType]TableSpec
}

// NewTableAllowlist validates every identifier up front. An empty schema
// defaults to public.
func NewTableAllowlist(tables map[migration.EntityType]TableSpec) (*TableAllowlist, error) {
	if len(tables) == 0 {
		return nil, migration.NewConfigurationError("table allowlist is empty")
	}
	validated := make(map[migration.EntityType]TableSpec, len(tables))
	for entityType, spec := range tables {
		if spec.Schema == "" {
			spec.Schema = defaultSchema
		}
		if err := spec.validate(); err != nil {
			return nil, migration.NewConfigurationError("allowlist entry %q: %v", entityType, err)
		}
		validated[entityType] = spec
	}
	return &TableAllowlist{tables: validated}, nil
}

// Resolve returns the table for entityType. Unknown entity types produce a
// ConfigurationError enumerating the allowed ones.
func (a *TableAllowlist) Resolve(entityType migration.EntityType) (TableSpec, error) {
	spec, ok := a.tables[entityType]
	if !ok {
		return TableSpec{}, migration.UnknownEntityTypeError(entityType, a.EntityTypes())
	}
	return spec, nil
}

// EntityTypes returns the allowed entity types, sorted
func (a *TableAllowlist) EntityTypes() []migration.EntityType {
	return sortedKeys(a.tables)
}

// WithSchema returns a copy whose entries all live in schema
func (a *TableAllowlist) WithSchema(schema string) (*TableAllowlist, error) {
	if !ValidIdentifier(schema) {
		return nil, migration.NewConfigurationError("invalid source schema %q", schema)
	}
	tables := make(map[migration.EntityType]TableSpec, len(a.tables))
	for entityType, spec := range a.tables {
		spec.Schema = schema
		tables[entityType] = spec
	}
	return &TableAllowlist{tables: tables}, nil
}

// FileSpec is the file an entity type resolves to inside a CSV source root
type FileSpec struct {
	Name      string
	KeyColumn string
}

var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,254}$`)

// FileAllowlist is the static entity type to file mapping of a CSV source
type FileAllowlist struct {
	files map[migration.EntityType]FileSpec
}

// NewFileAllowlist validates file names (no path separators) and key columns
func NewFileAllowlist(files map[migration.EntityType]FileSpec) (*FileAllowlist, error) {
	if len(files) == 0 {
		return nil, migration.NewConfigurationError("file allowlist is empty")
	}
	for entityType, spec := range files {
		if !fileNamePattern.MatchString(spec.Name) || strings.Contains(spec.Name, "..") {
			return nil, migration.NewConfigurationError("allowlist entry %q: invalid file name %q", entityType, spec.Name)
		}
		if strings.TrimSpace(spec.KeyColumn) == "" {
			return nil, migration.NewConfigurationError("allowlist entry %q: key column is required", entityType)
		}
	}
	copied := make(map[migration.EntityType]FileSpec, len(files))
	for k, v := range files {
		copied[k] = v
	}
	return &FileAllowlist{files: copied}, nil
}

// Resolve returns the file for entityType
func (a *FileAllowlist) Resolve(entityType migration.EntityType) (FileSpec, error) {
	spec, ok := a.files[entityType]
	if !ok {
		return FileSpec{}, migration.UnknownEntityTypeError(entityType, a.EntityTypes())
	}
	return spec, nil
}

// EntityTypes returns the allowed entity types, sorted
func (a *FileAllowlist) EntityTypes() []migration.EntityType {
	return sortedKeys(a.files)
}

func sortedKeys[V any](m map[migration.EntityType]V) []migration.EntityType {
	keys := make([]migration.EntityType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
