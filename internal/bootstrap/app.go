// Package bootstrap assembles a migration worker from configuration: logger,
// telemetry, canonical store, lineage ledger, job repository, legacy adapter
// factory and the run service. Callers register target writers on the
// service and decide which jobs to run.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	migrationapp "github.com/erp/migrator/internal/application/migration"
	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/config"
	"github.com/erp/migrator/internal/infrastructure/legacy"
	"github.com/erp/migrator/internal/infrastructure/logger"
	schema "github.com/erp/migrator/internal/infrastructure/migration"
	"github.com/erp/migrator/internal/infrastructure/persistence"
	"github.com/erp/migrator/internal/infrastructure/telemetry"
	"github.com/erp/migrator/migrations"
)

// App is a wired migration worker
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Database *persistence.Database
	Jobs     *persistence.GormMigrationJobRepository
	Ledger   *persistence.GormLineageLedger
	Adapters *legacy.Factory
	Service  *migrationapp.Service

	providers *telemetry.Providers
	ownsDB    bool
}

type options struct {
	logger      *zap.Logger
	database    *persistence.Database
	tables      *legacy.TableAllowlist
	files       *legacy.FileAllowlist
	matcher     migrationapp.Matcher
	applySchema bool
}

// Option configures New
type Option func(*options)

// WithLogger uses l instead of building a logger from the log section
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDatabase uses an already opened canonical store. The caller keeps
// ownership and closes it.
func WithDatabase(db *persistence.Database) Option {
	return func(o *options) {
		o.database = db
	}
}

// WithTables sets the table allowlist of SQL sources
func WithTables(a *legacy.TableAllowlist) Option {
	return func(o *options) {
		o.tables = a
	}
}

// WithFiles sets the file allowlist of CSV sources
func WithFiles(a *legacy.FileAllowlist) Option {
	return func(o *options) {
		o.files = a
	}
}

// WithMatcher links legacy records to canonical records created outside the ledger
func WithMatcher(m migrationapp.Matcher) Option {
	return func(o *options) {
		o.matcher = m
	}
}

// WithSchemaMigrations applies the embedded schema migrations on startup
func WithSchemaMigrations() Option {
	return func(o *options) {
		o.applySchema = true
	}
}

// New wires an App. On error everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.tables == nil && o.files == nil {
		return nil, migration.NewConfigurationError("no legacy allowlist configured: set a table or file allowlist")
	}

	app := &App{Config: cfg}
	if err := app.init(ctx, o); err != nil {
		return nil, errors.Join(err, app.Shutdown(context.WithoutCancel(ctx)))
	}
	return app, nil
}

func (a *App) init(ctx context.Context, o *options) error {
	cfg := a.Config
	a.Logger = o.logger
	if a.Logger == nil {
		log, err := logger.New(&logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = log
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = cfg.App.Name
	}
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		Insecure:          cfg.Telemetry.Insecure,
		ServiceName:       serviceName,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
		LogsEnabled:       cfg.Telemetry.LogsEnabled,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.providers = providers
	if core := providers.LogCore(); core != nil {
		a.Logger = a.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, core)
		}))
	}

	if o.applySchema {
		if err := applySchema(cfg.Database.DSN(), a.Logger); err != nil {
			return err
		}
	}

	a.Database = o.database
	if a.Database == nil {
		db, err := persistence.NewDatabase(&cfg.Database,
			persistence.WithZapLogger(a.Logger, cfg.Log.Level),
			persistence.WithTracing(telemetry.DBTracingConfig{
				Enabled:         cfg.Telemetry.DBTraceEnabled,
				LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
				SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
				DBName:          cfg.Database.DBName,
			}))
		if err != nil {
			return err
		}
		a.Database = db
		a.ownsDB = true
	}

	a.Jobs = persistence.NewGormMigrationJobRepository(a.Database.DB)
	a.Ledger = persistence.NewGormLineageLedger(a.Database.DB,
		persistence.WithLeaseWindow(cfg.Migration.LeaseWindow))
	a.Adapters = legacy.NewFactory(o.tables, o.files, cfg.Legacy, cfg.Storage)

	metrics, err := migrationapp.NewPipelineMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	serviceOpts := []migrationapp.ServiceOption{
		migrationapp.WithServiceMetrics(metrics),
		migrationapp.WithServiceLogger(a.Logger),
	}
	if o.matcher != nil {
		serviceOpts = append(serviceOpts, migrationapp.WithServiceMatcher(o.matcher))
	}
	a.Service = migrationapp.NewService(a.Jobs, a.Ledger, a.Adapters, cfg.Migration, serviceOpts...)

	a.Logger.Info("Migration worker ready",
		zap.String("worker_id", cfg.Migration.WorkerID),
		zap.Int("batch_size", cfg.Migration.BatchSize),
		zap.Duration("lease_window", a.Ledger.LeaseWindow()),
		zap.Bool("telemetry", providers.Enabled()))
	return nil
}

// RunContext returns the run identity of this worker for tenantID
func (a *App) RunContext(tenantID uuid.UUID, requestID string) migration.RunContext {
	return migration.NewRunContext(tenantID, a.Config.Migration.WorkerID, requestID)
}

// Shutdown closes the canonical store when the App opened it and flushes telemetry
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.ownsDB && a.Database != nil {
		if err := a.Database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

// applySchema runs the embedded migrations over a dedicated connection, which
// the migrate driver closes when done
func applySchema(dsn string, log *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for schema migrations: %w", err)
	}
	m, err := schema.NewFromFS(db, migrations.FS, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Failed to close schema migrator", zap.Error(err))
		}
		_ = db.Close()
	}()
	return m.Up()
}
