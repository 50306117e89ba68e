package migrationapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/domain/shared"
	"github.com/erp/migrator/internal/infrastructure/logger"
	"github.com/erp/migrator/internal/infrastructure/telemetry"
)

// DefaultBatchSize is the extract page size when none is configured
const DefaultBatchSize = 500

// RunResult aggregates one run. Counters cover this run only; the job keeps
// the cumulative counters.
type RunResult struct {
	JobID           uuid.UUID
	Status          migration.JobStatus
	Counters        migration.Counters
	Batches         int
	Duration        time.Duration
	FinalCursor     migration.Cursor
	Errors          []RecordError
	TotalErrors     int
	ErrorsTruncated bool
}

// Pipeline runs extract, transform, plan and load for one job until the
// source is exhausted, persisting the checkpoint after every batch.
// Batches run strictly sequentially.
type Pipeline struct {
	adapter     migration.LegacyAdapter
	jobs        migration.MigrationJobRepository
	transformer Transformer
	planner     Planner
	loader      Loader
	preflight   Gate
	postflight  Gate
	batchSize   int
	maxErrors   int
	metrics     *PipelineMetrics
	logger      *zap.Logger
	now         func() time.Time
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithPreflight sets the gate evaluated before extraction
func WithPreflight(g Gate) PipelineOption {
	return func(p *Pipeline) {
		p.preflight = g
	}
}

// WithPostflight sets the gate evaluated after extraction is exhausted
func WithPostflight(g Gate) PipelineOption {
	return func(p *Pipeline) {
		p.postflight = g
	}
}

// WithBatchSize sets the extract page size
func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithMaxErrorDetails bounds the record errors kept on the result
func WithMaxErrorDetails(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// WithMetrics records run metrics on m
func WithMetrics(m *PipelineMetrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithPipelineLogger sets the logger used when the run context carries none
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithPipelineClock overrides the clock used for durations
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline creates a pipeline over one adapter
func NewPipeline(
	adapter migration.LegacyAdapter,
	jobs migration.MigrationJobRepository,
	transformer Transformer,
	planner Planner,
	loader Loader,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		adapter:     adapter,
		jobs:        jobs,
		transformer: transformer,
		planner:     planner,
		loader:      loader,
		batchSize:   DefaultBatchSize,
		maxErrors:   100,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one resumable run of job. The run starts from the job's
// checkpoint. Preflight failure leaves the job untouched; postflight failure
// flags it for review; non-retryable errors fail it; anything else leaves it
// running so a rerun resumes from the last persisted checkpoint.
func (p *Pipeline) Run(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext) (*RunResult, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if !job.BelongsTo(rc.TenantID) {
		return nil, migration.NewConfigurationError("job %s does not belong to tenant %s", job.ID, rc.TenantID)
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", migration.ErrJobTerminal, job.ID, job.Status)
	}

	ctx = logger.WithFallback(ctx, p.logger)
	ctx = logger.WithTenantID(ctx, rc.TenantID.String())
	ctx = logger.WithRequestID(ctx, rc.RequestID)
	ctx = logger.WithWorkerID(ctx, rc.WorkerID)
	ctx = logger.WithJobID(ctx, job.ID.String())
	ctx, span := telemetry.StartSpan(ctx, "migration.run",
		telemetry.SpanAttrJobID, job.ID.String(),
		telemetry.SpanAttrEntityType, string(job.EntityType),
		telemetry.SpanAttrLegacySystem, job.Source.SystemName,
		telemetry.SpanAttrWorkerID, rc.WorkerID,
		telemetry.SpanAttrBatchSize, p.batchSize,
	)
	defer span.End()

	log := logger.L(ctx)
	started := p.now()
	errs := NewErrorCollection(p.maxErrors)
	result := &RunResult{JobID: job.ID, Status: job.Status, FinalCursor: job.Checkpoint}
	finish := func(err error) (*RunResult, error) {
		result.Status = job.Status
		result.Duration = p.now().Sub(started)
		result.Errors = errs.Errors()
		result.TotalErrors = errs.TotalCount()
		result.ErrorsTruncated = errs.IsTruncated()
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetOK(span)
		}
		return result, err
	}

	if err := p.evaluate(ctx, migration.GatePreflight, p.preflight, GateInput{Job: job, Adapter: p.adapter}); err != nil {
		if !errors.Is(err, migration.ErrGateFailed) && !migration.IsRetryable(err) {
			return finish(p.settle(ctx, job, err))
		}
		return finish(err)
	}

	if err := job.Start(); err != nil {
		return finish(err)
	}
	if err := p.jobs.SaveProgress(ctx, job); err != nil {
		return finish(fmt.Errorf("failed to persist job start: %w", err))
	}
	log.Info("Migration run started",
		zap.String("entity_type", string(job.EntityType)),
		zap.String("legacy_system", job.Source.SystemName),
		zap.Bool("resumed", !job.Checkpoint.IsStart()))

	for {
		if err := ctx.Err(); err != nil {
			return finish(p.settle(ctx, job, err))
		}
		exhausted, err := p.runBatch(ctx, job, rc, result, errs)
		if err != nil {
			return finish(p.settle(ctx, job, err))
		}
		if exhausted {
			break
		}
	}

	if err := p.evaluate(ctx, migration.GatePostflight, p.postflight, GateInput{Job: job, Adapter: p.adapter, Result: result}); err != nil {
		if !errors.Is(err, migration.ErrGateFailed) {
			return finish(p.settle(ctx, job, err))
		}
		_ = job.MarkNeedsReview(err.Error())
		if perr := p.persistOutcome(ctx, job); perr != nil {
			return finish(errors.Join(err, perr))
		}
		return finish(err)
	}

	if err := job.Complete(); err != nil {
		return finish(err)
	}
	if err := p.persistOutcome(ctx, job); err != nil {
		return finish(err)
	}
	log.Info("Migration run completed",
		zap.Int("batches", result.Batches),
		zap.Int64("processed", result.Counters.Processed),
		zap.Int64("created", result.Counters.Created),
		zap.Int64("failed", result.Counters.Failed))
	return finish(nil)
}

// runBatch processes one batch and persists the advanced checkpoint
func (p *Pipeline) runBatch(ctx context.Context, job *migration.MigrationJob, rc migration.RunContext, result *RunResult, errs *ErrorCollection) (bool, error) {
	batchStart := p.now()
	ctx, span := telemetry.StartSpan(ctx, "migration.batch", telemetry.SpanAttrJobID, job.ID.String())
	defer span.End()

	batch, err := p.adapter.ExtractBatch(ctx, job.EntityType, p.batchSize, job.Checkpoint)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}
	if batch.IsEmpty() {
		return true, nil
	}

	records, err := p.transformer.Transform(ctx, job, batch.Records)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}
	plan, err := p.planner.Plan(ctx, job, rc, records)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}
	loaded, err := p.loader.Load(ctx, job, rc, plan)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}

	if err := job.RecordBatch(batch.NextCursor, loaded.Counters); err != nil {
		return false, err
	}
	if err := p.jobs.SaveProgress(ctx, job); err != nil {
		return false, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	result.Batches++
	result.Counters.Add(loaded.Counters)
	result.FinalCursor = batch.NextCursor
	errs.Add(loaded.Errors...)
	p.metrics.recordBatch(ctx, job.EntityType, loaded.Counters, p.now().Sub(batchStart))
	telemetry.SetAttributes(span, "migration.records", len(batch.Records))
	telemetry.SetOK(span)

	logger.L(ctx).Debug("Batch checkpointed",
		zap.Int("records", len(batch.Records)),
		zap.Int64("created", loaded.Counters.Created),
		zap.Int64("skipped", loaded.Counters.Skipped),
		zap.Int64("failed", loaded.Counters.Failed))
	return false, nil
}

// evaluate runs gate and converts a failed verdict into a GateFailedError
func (p *Pipeline) evaluate(ctx context.Context, phase migration.GatePhase, gate Gate, in GateInput) error {
	if gate == nil {
		return nil
	}
	res, err := gate.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	if res.Passed {
		return nil
	}
	name := res.Gate
	if name == "" {
		name = gate.Name()
	}
	p.metrics.recordGateFailure(ctx, in.Job.EntityType, phase)
	logger.L(ctx).Warn("Migration gate failed",
		zap.String("phase", string(phase)),
		zap.String("gate", name),
		zap.String("reason", res.Reason))
	return &migration.GateFailedError{Phase: phase, Gate: name, Reason: res.Reason}
}

// settle records err on the job and returns the error the run reports:
// non-retryable errors fail the job, others leave it resumable. A job
// another run has moved on is left alone.
func (p *Pipeline) settle(ctx context.Context, job *migration.MigrationJob, err error) error {
	if errors.Is(err, shared.ErrConcurrencyConflict) {
		logger.L(ctx).Warn("Migration job was updated by another run, stopping", zap.Error(err))
		return err
	}
	if migration.IsRetryable(err) {
		job.Interrupt(err.Error())
		logger.L(ctx).Warn("Migration run interrupted", zap.Error(err))
	} else {
		_ = job.Fail(err.Error())
		logger.L(ctx).Error("Migration run failed", zap.Error(err))
	}
	if perr := p.persistOutcome(ctx, job); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

func (p *Pipeline) persistOutcome(ctx context.Context, job *migration.MigrationJob) error {
	if err := p.jobs.SaveProgress(context.WithoutCancel(ctx), job); err != nil {
		logger.L(ctx).Error("Failed to persist job outcome",
			zap.String("status", string(job.Status)), zap.Error(err))
		return fmt.Errorf("failed to persist job outcome: %w", err)
	}
	return nil
}
