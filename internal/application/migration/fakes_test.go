package migrationapp

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/erp/migrator/internal/domain/migration"
	"github.com/erp/migrator/internal/domain/shared"
)

const (
	customers migration.EntityType = "customers"
	erpV1                          = "erp-v1"
)

type ledgerKey struct {
	tenant     uuid.UUID
	entityType migration.EntityType
	key        migration.LegacyKey
}

// memLedger is an in-memory lineage ledger without lease expiry
type memLedger struct {
	mu   sync.Mutex
	rows map[ledgerKey]*migration.LineageRow
	byID map[uuid.UUID]ledgerKey
}

func newMemLedger() *memLedger {
	return &memLedger{rows: map[ledgerKey]*migration.LineageRow{}, byID: map[uuid.UUID]ledgerKey{}}
}

func (l *memLedger) Reserve(ctx context.Context, rc migration.RunContext, jobID uuid.UUID, entityType migration.EntityType, key migration.LegacyKey) (migration.ReserveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{rc.TenantID, entityType, key}
	if _, ok := l.rows[k]; ok {
		return migration.Lost(), nil
	}
	row := &migration.LineageRow{
		ID: uuid.New(), TenantID: rc.TenantID, JobID: jobID, EntityType: entityType,
		LegacySystem: key.System, LegacyID: key.ID, State: migration.LineageReserved, Holder: rc.WorkerID,
	}
	l.rows[k] = row
	l.byID[row.ID] = k
	return migration.Won(row.ID), nil
}

func (l *memLedger) BulkReserve(ctx context.Context, rc migration.RunContext, jobID uuid.UUID, entityType migration.EntityType, keys []migration.LegacyKey) ([]migration.ReserveResult, error) {
	out := make([]migration.ReserveResult, len(keys))
	for i, key := range keys {
		res, err := l.Reserve(ctx, rc, jobID, entityType, key)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (l *memLedger) Commit(_ context.Context, rc migration.RunContext, lineageID, canonicalID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.byID[lineageID]
	if !ok {
		return migration.NewCommitNotReservedError(lineageID)
	}
	row := l.rows[k]
	if row.State != migration.LineageReserved || row.Holder != rc.WorkerID || row.TenantID != rc.TenantID {
		return migration.NewCommitNotReservedError(lineageID)
	}
	row.State = migration.LineageCommitted
	row.CanonicalID = &canonicalID
	return nil
}

func (l *memLedger) Release(_ context.Context, rc migration.RunContext, lineageID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.byID[lineageID]
	if !ok {
		return nil
	}
	row := l.rows[k]
	if row.State == migration.LineageReserved && row.Holder == rc.WorkerID && row.TenantID == rc.TenantID {
		delete(l.rows, k)
		delete(l.byID, lineageID)
	}
	return nil
}

func (l *memLedger) LookupCommitted(_ context.Context, tenantID uuid.UUID, entityType migration.EntityType, keys []migration.LegacyKey) (map[migration.LegacyKey]migration.LineageRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[migration.LegacyKey]migration.LineageRow{}
	for _, key := range keys {
		if row, ok := l.rows[ledgerKey{tenantID, entityType, key}]; ok && row.IsCommitted() {
			out[key] = *row
		}
	}
	return out, nil
}

func (l *memLedger) states() map[string]migration.LineageState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]migration.LineageState{}
	for k, row := range l.rows {
		out[k.key.ID] = row.State
	}
	return out
}

// memJobs keeps jobs in memory and snapshots every SaveProgress call.
// SaveProgress applies the same version and terminal-status guard as the
// GORM repository against the last persisted copy.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*migration.MigrationJob
	persisted map[uuid.UUID]migration.MigrationJob
	snapshots []migration.MigrationJob
	saveErr   error
}

func newMemJobs(jobs ...*migration.MigrationJob) *memJobs {
	r := &memJobs{
		jobs:      map[uuid.UUID]*migration.MigrationJob{},
		persisted: map[uuid.UUID]migration.MigrationJob{},
	}
	for _, j := range jobs {
		r.jobs[j.ID] = j
		r.persisted[j.ID] = *j
	}
	return r
}

func (r *memJobs) FindByID(_ context.Context, tenantID, id uuid.UUID) (*migration.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, shared.ErrNotFound
	}
	return j, nil
}

func (r *memJobs) FindAll(_ context.Context, tenantID uuid.UUID, _ migration.JobFilter) (*migration.JobListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &migration.JobListResult{}
	for _, j := range r.jobs {
		if j.TenantID == tenantID {
			res.Items = append(res.Items, j)
		}
	}
	res.TotalCount = int64(len(res.Items))
	return res, nil
}

func (r *memJobs) FindResumable(_ context.Context, tenantID uuid.UUID) ([]*migration.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*migration.MigrationJob
	for _, j := range r.jobs {
		if j.TenantID == tenantID && !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobs) Save(_ context.Context, job *migration.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.persisted[job.ID] = *job
	return nil
}

func (r *memJobs) SaveProgress(_ context.Context, job *migration.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	stored, ok := r.persisted[job.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != job.Version || stored.Status.IsTerminal() {
		return shared.ErrConcurrencyConflict
	}
	job.IncrementVersion()
	r.persisted[job.ID] = *job
	r.snapshots = append(r.snapshots, *job)
	return nil
}

func (r *memJobs) lastSnapshot(t *testing.T) migration.MigrationJob {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.snapshots)
	return r.snapshots[len(r.snapshots)-1]
}

// sliceAdapter serves records from memory with offset cursors
type sliceAdapter struct {
	records   []migration.RawRecord
	schema    []migration.Column
	healthErr error
	// failOn makes the n-th ExtractBatch call (1-based) fail
	failOn       map[int]error
	onExtract    func(cursor migration.Cursor)
	extractCalls int
	closed       bool
}

func (a *sliceAdapter) ExtractBatch(_ context.Context, entityType migration.EntityType, batchSize int, cursor migration.Cursor) (migration.Batch, error) {
	a.extractCalls++
	if a.onExtract != nil {
		a.onExtract(cursor)
	}
	if err, ok := a.failOn[a.extractCalls]; ok {
		return migration.Batch{}, err
	}
	if entityType != customers {
		return migration.Batch{}, migration.UnknownEntityTypeError(entityType, []migration.EntityType{customers})
	}
	offset := 0
	if !cursor.IsStart() {
		offset, _ = strconv.Atoi(cursor.Token())
	}
	if offset >= len(a.records) {
		return migration.Batch{NextCursor: cursor}, nil
	}
	end := min(offset+batchSize, len(a.records))
	return migration.Batch{
		Records:    a.records[offset:end],
		NextCursor: migration.CursorFromToken(strconv.Itoa(end)),
	}, nil
}

func (a *sliceAdapter) GetSchema(_ context.Context, entityType migration.EntityType) ([]migration.Column, error) {
	if entityType != customers {
		return nil, migration.UnknownEntityTypeError(entityType, []migration.EntityType{customers})
	}
	return a.schema, nil
}

func (a *sliceAdapter) HealthCheck(_ context.Context) error {
	return a.healthErr
}

func (a *sliceAdapter) Close() error {
	a.closed = true
	return nil
}

// memWriter stores canonical records in memory
type memWriter struct {
	mu      sync.Mutex
	records map[uuid.UUID]map[string]any
	failOn  map[string]error
	// afterCreate runs after each successful create
	afterCreate func(legacyID string)
}

func newMemWriter() *memWriter {
	return &memWriter{records: map[uuid.UUID]map[string]any{}, failOn: map[string]error{}}
}

func (w *memWriter) Create(_ context.Context, _ *migration.MigrationJob, rec TransformedRecord) (uuid.UUID, error) {
	w.mu.Lock()
	if err, ok := w.failOn[rec.Key.ID]; ok {
		w.mu.Unlock()
		return uuid.Nil, err
	}
	id := uuid.New()
	w.records[id] = rec.Fields
	hook := w.afterCreate
	w.mu.Unlock()
	if hook != nil {
		hook(rec.Key.ID)
	}
	return id, nil
}

func (w *memWriter) Fetch(_ context.Context, _ *migration.MigrationJob, id uuid.UUID) (map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fields, ok := w.records[id]
	if !ok {
		return nil, fmt.Errorf("canonical record %s not found", id)
	}
	return fields, nil
}

func (w *memWriter) Update(_ context.Context, _ *migration.MigrationJob, id uuid.UUID, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.records[id]; !ok {
		return fmt.Errorf("canonical record %s not found", id)
	}
	w.records[id] = fields
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func (w *memWriter) names() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := map[string]int{}
	for _, f := range w.records {
		out[fmt.Sprint(f["name"])]++
	}
	return out
}

func newTestJob(t *testing.T, tenantID uuid.UUID, strategy migration.ConflictStrategy) *migration.MigrationJob {
	t.Helper()
	job, err := migration.NewMigrationJob(tenantID, customers,
		migration.SourceConfig{Transport: migration.TransportSQL, SystemName: erpV1, Connection: "postgres://legacy"},
		[]migration.FieldMapping{
			{Source: "name", Target: "name", Type: migration.FieldString, Required: true},
			{Source: "credit", Target: "credit_limit", Type: migration.FieldDecimal, Default: "0"},
		},
		nil, strategy)
	require.NoError(t, err)
	return job
}

func customerRecords(names ...string) []migration.RawRecord {
	out := make([]migration.RawRecord, len(names))
	for i, name := range names {
		out[i] = migration.RawRecord{
			LegacyID: strconv.Itoa(i + 1),
			Payload:  map[string]any{"id": int64(i + 1), "name": name, "credit": "100.50"},
		}
	}
	return out
}

var customerSchema = []migration.Column{{Name: "id"}, {Name: "name"}, {Name: "credit"}}
