package migrationapp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/infrastructure/telemetry"
)

// PipelineMetrics holds the instruments recorded by pipeline runs
type PipelineMetrics struct {
	records       *telemetry.Counter
	batches       *telemetry.Counter
	gateFailures  *telemetry.Counter
	batchDuration *telemetry.Histogram
}

// NewPipelineMetrics creates the pipeline instruments on meter. A nil meter
// uses the global meter provider.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(telemetry.TracerName)
	}
	records, err := telemetry.NewCounter(meter, "migration.records", "Records processed by outcome", "{record}")
	if err != nil {
		return nil, err
	}
	batches, err := telemetry.NewCounter(meter, "migration.batches", "Batches fully processed", "{batch}")
	if err != nil {
		return nil, err
	}
	gateFailures, err := telemetry.NewCounter(meter, "migration.gate.failures", "Gate evaluations that did not pass", "{failure}")
	if err != nil {
		return nil, err
	}
	batchDuration, err := telemetry.NewHistogram(meter, "migration.batch.duration",
		"Duration of one extract-to-checkpoint cycle", "s", telemetry.BatchDurationBuckets...)
	if err != nil {
		return nil, err
	}
	return &PipelineMetrics{
		records:       records,
		batches:       batches,
		gateFailures:  gateFailures,
		batchDuration: batchDuration,
	}, nil
}

func (m *PipelineMetrics) recordBatch(ctx context.Context, entityType migration.EntityType, c migration.Counters, d time.Duration) {
	if m == nil {
		return
	}
	et := telemetry.AttrEntityType.String(string(entityType))
	m.records.Add(ctx, c.Created, et, telemetry.AttrOutcome.String("created"))
	m.records.Add(ctx, c.Updated, et, telemetry.AttrOutcome.String("updated"))
	m.records.Add(ctx, c.Merged, et, telemetry.AttrOutcome.String("merged"))
	m.records.Add(ctx, c.Skipped, et, telemetry.AttrOutcome.String("skipped"))
	m.records.Add(ctx, c.Failed, et, telemetry.AttrOutcome.String("failed"))
	m.batches.Inc(ctx, et)
	m.batchDuration.RecordDuration(ctx, d, et)
}

func (m *PipelineMetrics) recordGateFailure(ctx context.Context, entityType migration.EntityType, phase migration.GatePhase) {
	if m == nil {
		return
	}
	m.gateFailures.Inc(ctx,
		telemetry.AttrEntityType.String(string(entityType)),
		telemetry.AttrPhase.String(string(phase)))
}
