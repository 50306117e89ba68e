package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/erp/migrator/internal/infrastructure/config"
)

// PoolFactory opens the connection pool an adapter owns for its lifetime
type PoolFactory interface {
	Open(ctx context.Context, dsn string) (*sql.DB, error)
}

// PoolFactoryFunc adapts a function to PoolFactory
type PoolFactoryFunc func(ctx context.Context, dsn string) (*sql.DB, error)

// Open calls f
func (f PoolFactoryFunc) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return f(ctx, dsn)
}

// PostgresPoolFactory opens lib/pq pools with bounded size
type PostgresPoolFactory struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresPoolFactory creates a pool factory from the legacy config section
func NewPostgresPoolFactory(cfg config.LegacyConfig) *PostgresPoolFactory {
	return &PostgresPoolFactory{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// Open opens and verifies a pool
func (f *PostgresPoolFactory) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy pool: %w", err)
	}
	if f.MaxOpenConns > 0 {
		db.SetMaxOpenConns(f.MaxOpenConns)
	}
	if f.MaxIdleConns > 0 {
		db.SetMaxIdleConns(f.MaxIdleConns)
	}
	if f.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(f.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach legacy source: %w", err)
	}
	return db, nil
}
