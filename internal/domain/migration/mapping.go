package migration

import (
	"fmt"
	"strings"

	"github.com/erp/migrator/internal/domain/shared"
)

// FieldType is the target type a raw legacy value is coerced to
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldDecimal  FieldType = "decimal"
	FieldBool     FieldType = "bool"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
)

// IsValid checks if the field type is valid
func (t FieldType) IsValid() bool {
	switch t {
	case FieldString, FieldInt, FieldDecimal, FieldBool, FieldDate, FieldDateTime:
		return true
	}
	return false
}

// FieldMapping maps one legacy column to one target field
type FieldMapping struct {
	Source   string    `json:"source" validate:"required,max=128"`
	Target   string    `json:"target" validate:"required,max=128"`
	Type     FieldType `json:"type" validate:"required,oneof=string int decimal bool date datetime"`
	Required bool      `json:"required,omitempty"`
	Default  string    `json:"default,omitempty"`
}

// MergeRule decides which side wins when merging a legacy record into an
// existing canonical record
type MergeRule string

const (
	MergePreferSource MergeRule = "prefer_source"
	MergePreferTarget MergeRule = "prefer_target"
	MergeFillEmpty    MergeRule = "fill_empty"
)

// IsValid checks if the merge rule is valid
func (r MergeRule) IsValid() bool {
	switch r {
	case MergePreferSource, MergePreferTarget, MergeFillEmpty:
		return true
	}
	return false
}

// MergePolicy binds a merge rule to a target field
type MergePolicy struct {
	Field string    `json:"field" validate:"required,max=128"`
	Rule  MergeRule `json:"rule" validate:"required,oneof=prefer_source prefer_target fill_empty"`
}

// SourceColumns returns the distinct source columns referenced by mappings, in order
func SourceColumns(mappings []FieldMapping) []string {
	seen := make(map[string]bool, len(mappings))
	cols := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if seen[m.Source] {
			continue
		}
		seen[m.Source] = true
		cols = append(cols, m.Source)
	}
	return cols
}

// MissingColumns returns the mapped source columns absent from schema
func MissingColumns(mappings []FieldMapping, schema []Column) []string {
	available := make(map[string]bool, len(schema))
	for _, c := range schema {
		available[strings.ToLower(c.Name)] = true
	}
	var missing []string
	for _, col := range SourceColumns(mappings) {
		if !available[strings.ToLower(col)] {
			missing = append(missing, col)
		}
	}
	return missing
}

func validateMappings(mappings []FieldMapping) error {
	targets := make(map[string]bool, len(mappings))
	for i, m := range mappings {
		if m.Source == "" || m.Target == "" {
			return shared.NewDomainError("INVALID_FIELD_MAPPING", fmt.Sprintf("Field mapping %d must name a source and a target", i))
		}
		if !m.Type.IsValid() {
			return shared.NewDomainError("INVALID_FIELD_MAPPING", fmt.Sprintf("Field mapping %d has invalid type: %s", i, m.Type))
		}
		if targets[m.Target] {
			return shared.NewDomainError("INVALID_FIELD_MAPPING", fmt.Sprintf("Target field %s is mapped more than once", m.Target))
		}
		targets[m.Target] = true
	}
	return nil
}

func validatePolicies(policies []MergePolicy) error {
	for _, p := range policies {
		if p.Field == "" {
			return shared.NewDomainError("INVALID_MERGE_POLICY", "Merge policy field cannot be empty")
		}
		if !p.Rule.IsValid() {
			return shared.NewDomainError("INVALID_MERGE_POLICY", fmt.Sprintf("Invalid merge rule: %s", p.Rule))
		}
	}
	return nil
}

// MergeFields merges incoming legacy fields into the existing canonical fields.
// Fields without a policy use MergePreferSource. The inputs are not modified.
func MergeFields(existing, incoming map[string]any, policies []MergePolicy) map[string]any {
	rules := make(map[string]MergeRule, len(policies))
	for _, p := range policies {
		rules[p.Field] = p.Rule
	}

	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for field, value := range incoming {
		current, exists := existing[field]
		switch rules[field] {
		case MergePreferTarget:
			if !exists {
				merged[field] = value
			}
		case MergeFillEmpty:
			if !exists || isEmptyValue(current) {
				merged[field] = value
			}
		default:
			if !isEmptyValue(value) || !exists {
				merged[field] = value
			}
		}
	}
	return merged
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
