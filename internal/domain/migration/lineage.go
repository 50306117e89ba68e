package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseWindow is the age after which an unfinished reservation is
// considered abandoned and may be reclaimed by another holder.
const DefaultLeaseWindow = 15 * time.Minute

// LegacyKey is the natural identifier of a record in a legacy system
type LegacyKey struct {
	System string
	ID     string
}

// String returns "system:id"
func (k LegacyKey) String() string {
	return fmt.Sprintf("%s:%s", k.System, k.ID)
}

// LineageState is the state of a lineage row
type LineageState string

const (
	LineageReserved  LineageState = "reserved"
	LineageCommitted LineageState = "committed"
)

// IsValid checks if the state is valid
func (s LineageState) IsValid() bool {
	return s == LineageReserved || s == LineageCommitted
}

// LineageRow maps one legacy key to one canonical record.
// At most one row exists per (tenant, entity type, legacy key). State only
// moves reserved -> committed, and a committed row never changes again.
type LineageRow struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	JobID        uuid.UUID
	EntityType   EntityType
	LegacySystem string
	LegacyID     string
	CanonicalID  *uuid.UUID
	State        LineageState
	Holder       string
	ReservedAt   time.Time
	CommittedAt  *time.Time
}

// Key returns the legacy key of the row
func (r *LineageRow) Key() LegacyKey {
	return LegacyKey{System: r.LegacySystem, ID: r.LegacyID}
}

// IsCommitted reports whether the row reached its terminal state
func (r *LineageRow) IsCommitted() bool {
	return r.State == LineageCommitted
}

// IsReclaimable reports whether a reserved row's lease has expired at now.
// Reclaim requires now to be strictly after reserved-at plus the lease window.
func (r *LineageRow) IsReclaimable(now time.Time, leaseWindow time.Duration) bool {
	return r.State == LineageReserved && now.After(r.ReservedAt.Add(leaseWindow))
}

// ReserveResult is the outcome of a reservation attempt.
// IsWinner=false means another live worker holds the key; the caller must not
// write the target record in this run.
type ReserveResult struct {
	IsWinner  bool
	LineageID uuid.UUID
	Reclaimed bool
}

// Won returns a winning result for lineageID
func Won(lineageID uuid.UUID) ReserveResult {
	return ReserveResult{IsWinner: true, LineageID: lineageID}
}

// Lost returns a losing result
func Lost() ReserveResult {
	return ReserveResult{}
}

// LineageLedger is the identity-mapping authority of the pipeline. All
// coordination between workers happens through its atomic single-statement
// operations; holding an unexpired reserved row is ownership of the key.
type LineageLedger interface {
	// Reserve claims key for rc.WorkerID: insert, else reclaim an expired
	// reservation, else lose.
	Reserve(ctx context.Context, rc RunContext, jobID uuid.UUID, entityType EntityType, key LegacyKey) (ReserveResult, error)

	// BulkReserve reserves keys with the same per-key semantics as Reserve.
	// Results are aligned with keys.
	BulkReserve(ctx context.Context, rc RunContext, jobID uuid.UUID, entityType EntityType, keys []LegacyKey) ([]ReserveResult, error)

	// Commit finalizes a reservation to canonicalID. Zero affected rows is an
	// invariant violation.
	Commit(ctx context.Context, rc RunContext, lineageID, canonicalID uuid.UUID) error

	// Release deletes a reservation by its row id while rc.WorkerID still
	// holds it; otherwise it is a no-op.
	Release(ctx context.Context, rc RunContext, lineageID uuid.UUID) error

	// LookupCommitted returns the committed rows for keys, indexed by key
	LookupCommitted(ctx context.Context, tenantID uuid.UUID, entityType EntityType, keys []LegacyKey) (map[LegacyKey]LineageRow, error)
}
