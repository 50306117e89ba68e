package migrationapp

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erp/migrator/internal/domain/migration"
)

var (
	dateLayouts     = []string{"2006-01-02", "2006/01/02", "20060102", time.RFC3339}
	dateTimeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}
)

// FieldMappingTransformer applies a job's field mappings to each raw record.
// Coercion failures become per-record errors.
type FieldMappingTransformer struct{}

// NewFieldMappingTransformer creates a FieldMappingTransformer
func NewFieldMappingTransformer() *FieldMappingTransformer {
	return &FieldMappingTransformer{}
}

var _ Transformer = (*FieldMappingTransformer)(nil)

// Transform maps every record; it never fails the batch
func (t *FieldMappingTransformer) Transform(_ context.Context, job *migration.MigrationJob, records []migration.RawRecord) ([]TransformedRecord, error) {
	out := make([]TransformedRecord, len(records))
	for i, raw := range records {
		out[i] = t.transformRecord(job, raw)
	}
	return out, nil
}

func (t *FieldMappingTransformer) transformRecord(job *migration.MigrationJob, raw migration.RawRecord) TransformedRecord {
	rec := TransformedRecord{
		Key:    job.LegacyKey(raw.LegacyID),
		Fields: make(map[string]any, len(job.FieldMappings)),
	}
	if strings.TrimSpace(raw.LegacyID) == "" {
		rec.Error = &RecordError{Code: ErrCodeMissingLegacyID, Message: "record has no legacy id"}
		return rec
	}

	for _, m := range job.FieldMappings {
		value := raw.Payload[m.Source]
		if isBlank(value) {
			if m.Default != "" {
				value = m.Default
			} else if m.Required {
				rec.Error = &RecordError{
					LegacyID: raw.LegacyID,
					Field:    m.Source,
					Code:     ErrCodeRequiredField,
					Message:  fmt.Sprintf("field '%s' is required", m.Source),
				}
				return rec
			} else {
				rec.Fields[m.Target] = nil
				continue
			}
		}

		coerced, err := Coerce(value, m.Type)
		if err != nil {
			rec.Error = &RecordError{
				LegacyID: raw.LegacyID,
				Field:    m.Source,
				Code:     ErrCodeInvalidType,
				Message:  err.Error(),
				Value:    fmt.Sprint(value),
			}
			return rec
		}
		rec.Fields[m.Target] = coerced
	}
	return rec
}

// Coerce converts a raw legacy value to the Go representation of fieldType:
// string, int64, decimal.Decimal, bool or time.Time (UTC).
func Coerce(value any, fieldType migration.FieldType) (any, error) {
	if b, ok := value.([]byte); ok {
		value = string(b)
	}
	switch fieldType {
	case migration.FieldString:
		return coerceString(value), nil
	case migration.FieldInt:
		return coerceInt(value)
	case migration.FieldDecimal:
		return coerceDecimal(value)
	case migration.FieldBool:
		return coerceBool(value)
	case migration.FieldDate:
		ts, err := coerceTime(value, dateLayouts, "date")
		if err != nil {
			return nil, err
		}
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), nil
	case migration.FieldDateTime:
		return coerceTime(value, dateTimeLayouts, "datetime")
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType)
}

func coerceString(value any) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(value)
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("expected int, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected int, got %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected int, got %T", value)
}

func coerceDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
		if err != nil {
			return decimal.Zero, fmt.Errorf("expected decimal, got %q", v)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("expected decimal, got %T", value)
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true, nil
		case "0", "f", "false", "n", "no":
			return false, nil
		}
	}
	return false, fmt.Errorf("expected bool, got %v", value)
}

func coerceTime(value any, layouts []string, kind string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("expected %s, got %q", kind, v)
	}
	return time.Time{}, fmt.Errorf("expected %s, got %T", kind, value)
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []byte:
		return strings.TrimSpace(string(val)) == ""
	}
	return false
}
