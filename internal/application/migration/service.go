package migrationapp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/config"
	"github.com/erp/migrator/internal/infrastructure/logger"
)

// AdapterFactory builds the legacy adapter of a job
type AdapterFactory interface {
	NewAdapter(ctx context.Context, job *migration.MigrationJob) (migration.LegacyAdapter, error)
}

// AdapterFactoryFunc adapts a function to AdapterFactory
type AdapterFactoryFunc func(ctx context.Context, job *migration.MigrationJob) (migration.LegacyAdapter, error)

// NewAdapter calls f
func (f AdapterFactoryFunc) NewAdapter(ctx context.Context, job *migration.MigrationJob) (migration.LegacyAdapter, error) {
	return f(ctx, job)
}

// Service manages migration jobs and runs them
type Service struct {
	jobs     migration.MigrationJobRepository
	ledger   migration.LineageLedger
	adapters AdapterFactory
	cfg      config.MigrationConfig
	metrics  *PipelineMetrics
	matcher  Matcher
	logger   *zap.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	writers map[migration.EntityType]TargetWriter
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceMetrics records run metrics on m
func WithServiceMetrics(m *PipelineMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithServiceMatcher links reserved keys to pre-existing canonical records
func WithServiceMatcher(m Matcher) ServiceOption {
	return func(s *Service) {
		s.matcher = m
	}
}

// WithServiceLogger sets the logger runs use when the caller's context
// carries none
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service
func NewService(
	jobs migration.MigrationJobRepository,
	ledger migration.LineageLedger,
	adapters AdapterFactory,
	cfg config.MigrationConfig,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		jobs:     jobs,
		ledger:   ledger,
		adapters: adapters,
		cfg:      cfg,
		validate: newValidator(),
		writers:  make(map[migration.EntityType]TargetWriter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterWriter sets the target writer for entityType
func (s *Service) RegisterWriter(entityType migration.EntityType, w TargetWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers[entityType] = w
}

func (s *Service) writer(entityType migration.EntityType) (TargetWriter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.writers[entityType]
	if !ok {
		registered := make([]string, 0, len(s.writers))
		for et := range s.writers {
			registered = append(registered, string(et))
		}
		sort.Strings(registered)
		return nil, migration.NewConfigurationError("no target writer registered for entity type %q: registered entity types are [%s]",
			entityType, strings.Join(registered, ", "))
	}
	return w, nil
}

// CreateJob validates req and persists a pending job
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*migration.MigrationJob, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	job, err := migration.NewMigrationJob(req.TenantID, req.EntityType, req.Source,
		req.FieldMappings, req.MergePolicies, req.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save migration job: %w", err)
	}
	logger.L(ctx).Info("Migration job created",
		zap.String("job_id", job.ID.String()),
		zap.String("entity_type", string(job.EntityType)))
	return job, nil
}

// GetJob returns a tenant's job
func (s *Service) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*migration.MigrationJob, error) {
	return s.jobs.FindByID(ctx, tenantID, jobID)
}

// ListJobs returns one page of a tenant's jobs
func (s *Service) ListJobs(ctx context.Context, tenantID uuid.UUID, filter migration.JobFilter) (*migration.JobListResult, error) {
	return s.jobs.FindAll(ctx, tenantID, filter)
}

// ListResumable returns the tenant's jobs a rerun would pick up
func (s *Service) ListResumable(ctx context.Context, tenantID uuid.UUID) ([]*migration.MigrationJob, error) {
	return s.jobs.FindResumable(ctx, tenantID)
}

// RunJob loads a job, builds its adapter and runs the pipeline once. The
// adapter is closed on every path.
func (s *Service) RunJob(ctx context.Context, rc migration.RunContext, jobID uuid.UUID) (*RunResult, error) {
	ctx = logger.WithFallback(ctx, s.logger)
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	job, err := s.jobs.FindByID(ctx, rc.TenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", migration.ErrJobTerminal, job.ID, job.Status)
	}

	// The job stays runnable for a worker that has the writer registered.
	writer, err := s.writer(job.EntityType)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.NewAdapter(ctx, job)
	if err != nil {
		if !migration.IsRetryable(err) {
			s.failJob(ctx, job, err)
		}
		return nil, err
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			logger.L(ctx).Warn("Failed to close legacy adapter",
				zap.String("job_id", job.ID.String()), zap.Error(closeErr))
		}
	}()

	plannerOpts := []PlannerOption{}
	if s.matcher != nil {
		plannerOpts = append(plannerOpts, WithMatcher(s.matcher))
	}
	pipeline := NewPipeline(adapter, s.jobs,
		NewFieldMappingTransformer(),
		NewLineagePlanner(s.ledger, plannerOpts...),
		NewLedgerLoader(s.ledger, writer),
		WithPreflight(AllGates(HealthGate{}, SchemaGate{})),
		WithPostflight(FailureRatioGate{Max: s.cfg.PostflightMaxFailureRatio}),
		WithBatchSize(s.cfg.BatchSize),
		WithMaxErrorDetails(s.cfg.MaxErrorDetails),
		WithMetrics(s.metrics),
		WithPipelineLogger(s.logger),
	)
	return pipeline.Run(ctx, job, rc)
}

func (s *Service) failJob(ctx context.Context, job *migration.MigrationJob, cause error) {
	if err := job.Fail(cause.Error()); err != nil {
		return
	}
	if err := s.jobs.SaveProgress(ctx, job); err != nil {
		logger.L(ctx).Error("Failed to persist failed job",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}
