package legacy

import (
	"context"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/config"
	"github.com/erp/migrator/internal/infrastructure/storage"
)

// Factory builds the adapter for a job's legacy source
type Factory struct {
	Tables      *TableAllowlist
	Files       *FileAllowlist
	Legacy      config.LegacyConfig
	Storage     config.StorageConfig
	PoolFactory PoolFactory
}

// NewFactory creates a factory using the Postgres pool factory for SQL sources
func NewFactory(tables *TableAllowlist, files *FileAllowlist, legacyCfg config.LegacyConfig, storageCfg config.StorageConfig) *Factory {
	return &Factory{
		Tables:      tables,
		Files:       files,
		Legacy:      legacyCfg,
		Storage:     storageCfg,
		PoolFactory: NewPostgresPoolFactory(legacyCfg),
	}
}

// NewAdapter switches on the job's transport. SQL projections are narrowed
// to the columns the job's field mappings read.
func (f *Factory) NewAdapter(ctx context.Context, job *migration.MigrationJob) (migration.LegacyAdapter, error) {
	source := job.Source
	switch source.Transport {
	case migration.TransportSQL:
		if f.Tables == nil {
			return nil, migration.NewConfigurationError("no table allowlist configured for SQL sources")
		}
		tables := f.Tables
		if source.Schema != "" {
			scoped, err := tables.WithSchema(source.Schema)
			if err != nil {
				return nil, err
			}
			tables = scoped
		}
		return NewSQLAdapter(source.SystemName, source.Connection, tables,
			WithPoolFactory(f.PoolFactory),
			WithQueryTimeout(f.Legacy.QueryTimeout),
			WithColumns(job.EntityType, migration.SourceColumns(job.FieldMappings)),
		), nil

	case migration.TransportCSV:
		if f.Files == nil {
			return nil, migration.NewConfigurationError("no file allowlist configured for CSV sources")
		}
		objects, err := f.objectSource(ctx, source.Connection)
		if err != nil {
			return nil, err
		}
		return NewCSVAdapter(source.SystemName, f.Files, objects), nil
	}
	return nil, migration.NewConfigurationError("unsupported transport %q", source.Transport)
}

func (f *Factory) objectSource(ctx context.Context, root string) (ObjectSource, error) {
	bucket, prefix, ok := storage.ParseObjectURI(root)
	if !ok {
		return NewLocalObjectSource(root), nil
	}
	cfg := f.Storage
	s3, err := storage.NewS3ObjectStorage(ctx, &cfg, storage.WithBucket(bucket), storage.WithPrefix(prefix))
	if err != nil {
		return nil, migration.NewConfigurationError("invalid object source %s: %v", root, err)
	}
	return s3, nil
}
