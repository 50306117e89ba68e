package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for canonical store tracing
type DBTracingConfig struct {
	Enabled         bool
	LogFullSQL      bool // include bound variables in db.statement; keeps legacy payloads in traces
	SlowQueryThresh time.Duration
	DBName          string
}

// DefaultDBTracingConfig returns tracing disabled with a 200ms slow threshold
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		SlowQueryThresh: 200 * time.Millisecond,
		DBName:          "postgresql",
	}
}

type queryStartKey struct{}

// RegisterDBTracing installs the otelgorm plugin on db plus callbacks that
// annotate spans with rows affected and flag slow statements.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	before := func(tx *gorm.DB) {
		if tx.Statement.Context != nil {
			tx.Statement.Context = context.WithValue(tx.Statement.Context, queryStartKey{}, time.Now())
		}
	}
	after := func(tx *gorm.DB) {
		annotateSpan(tx, cfg.SlowQueryThresh)
	}

	cb := db.Callback()
	registrations := []error{
		cb.Create().Before("gorm:create").Register("migrator_timing:before_create", before),
		cb.Query().Before("gorm:query").Register("migrator_timing:before_query", before),
		cb.Update().Before("gorm:update").Register("migrator_timing:before_update", before),
		cb.Delete().Before("gorm:delete").Register("migrator_timing:before_delete", before),
		cb.Row().Before("gorm:row").Register("migrator_timing:before_row", before),
		cb.Raw().Before("gorm:raw").Register("migrator_timing:before_raw", before),
		cb.Create().After("gorm:create").Register("migrator_timing:after_create", after),
		cb.Query().After("gorm:query").Register("migrator_timing:after_query", after),
		cb.Update().After("gorm:update").Register("migrator_timing:after_update", after),
		cb.Delete().After("gorm:delete").Register("migrator_timing:after_delete", after),
		cb.Row().After("gorm:row").Register("migrator_timing:after_row", after),
		cb.Raw().After("gorm:raw").Register("migrator_timing:after_raw", after),
	}
	if err := errors.Join(registrations...); err != nil {
		return err
	}

	// Registered after the timing callbacks so its span is still open when
	// annotateSpan runs.
	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBName)}
	if !cfg.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	return db.Use(otelgorm.NewPlugin(opts...))
}

func annotateSpan(tx *gorm.DB, slowThreshold time.Duration) {
	ctx := tx.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Int64("db.rows_affected", tx.Statement.RowsAffected))
	if tx.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", tx.Statement.Table))
	}
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		RecordError(span, tx.Error)
	}
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok && slowThreshold > 0 {
		if elapsed := time.Since(start); elapsed > slowThreshold {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
		}
	}
}
