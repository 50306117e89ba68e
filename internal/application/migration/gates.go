package migrationapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/erp/migrator/internal/domain/migration"
)

// GateResult is the verdict of a gate. Gate names the failing gate when a
// combinator reports on behalf of another.
type GateResult struct {
	Passed bool
	Reason string
	Gate   string
}

// Pass returns a passing result
func Pass() GateResult {
	return GateResult{Passed: true}
}

// Reject returns a failing result with a formatted reason
func Reject(format string, args ...any) GateResult {
	return GateResult{Reason: fmt.Sprintf(format, args...)}
}

// GateInput is what a gate may inspect. Result is nil before extraction.
type GateInput struct {
	Job     *migration.MigrationJob
	Adapter migration.LegacyAdapter
	Result  *RunResult
}

// Gate validates a run before or after the extract loop. An error means the
// gate could not be evaluated; a failed result means it was and said no.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, in GateInput) (GateResult, error)
}

type funcGate struct {
	name string
	fn   func(ctx context.Context, in GateInput) (GateResult, error)
}

// GateFunc wraps fn as a named gate
func GateFunc(name string, fn func(ctx context.Context, in GateInput) (GateResult, error)) Gate {
	return funcGate{name: name, fn: fn}
}

func (g funcGate) Name() string { return g.name }

func (g funcGate) Evaluate(ctx context.Context, in GateInput) (GateResult, error) {
	return g.fn(ctx, in)
}

// HealthGate fails when the legacy source does not answer its health check
type HealthGate struct{}

// Name implements Gate
func (HealthGate) Name() string { return "health" }

// Evaluate implements Gate
func (HealthGate) Evaluate(ctx context.Context, in GateInput) (GateResult, error) {
	if err := in.Adapter.HealthCheck(ctx); err != nil {
		return Reject("legacy source unhealthy: %v", err), nil
	}
	return Pass(), nil
}

// SchemaGate fails when field mappings reference columns the source lacks
type SchemaGate struct{}

// Name implements Gate
func (SchemaGate) Name() string { return "schema" }

// Evaluate implements Gate. Schema lookup errors, including unknown entity
// types, are returned as errors.
func (SchemaGate) Evaluate(ctx context.Context, in GateInput) (GateResult, error) {
	schema, err := in.Adapter.GetSchema(ctx, in.Job.EntityType)
	if err != nil {
		return GateResult{}, err
	}
	if missing := migration.MissingColumns(in.Job.FieldMappings, schema); len(missing) > 0 {
		return Reject("field mappings reference unknown columns: %s", strings.Join(missing, ", ")), nil
	}
	return Pass(), nil
}

// FailureRatioGate fails when the job's failed/processed ratio exceeds Max.
// A non-positive Max disables it.
type FailureRatioGate struct {
	Max float64
}

// Name implements Gate
func (FailureRatioGate) Name() string { return "failure_ratio" }

// Evaluate implements Gate
func (g FailureRatioGate) Evaluate(_ context.Context, in GateInput) (GateResult, error) {
	if g.Max <= 0 || in.Job == nil {
		return Pass(), nil
	}
	ratio := in.Job.Counters.FailureRatio()
	if ratio > g.Max {
		return Reject("failure ratio %.4f exceeds %.4f (%d of %d records failed)",
			ratio, g.Max, in.Job.Counters.Failed, in.Job.Counters.Processed), nil
	}
	return Pass(), nil
}

type allGates []Gate

// AllGates evaluates gates in order and stops at the first that does not pass
func AllGates(gates ...Gate) Gate {
	return allGates(gates)
}

func (a allGates) Name() string {
	names := make([]string, len(a))
	for i, g := range a {
		names[i] = g.Name()
	}
	return strings.Join(names, "+")
}

func (a allGates) Evaluate(ctx context.Context, in GateInput) (GateResult, error) {
	for _, g := range a {
		res, err := g.Evaluate(ctx, in)
		if err != nil {
			return GateResult{}, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if !res.Passed {
			if res.Gate == "" {
				res.Gate = g.Name()
			}
			return res, nil
		}
	}
	return Pass(), nil
}
