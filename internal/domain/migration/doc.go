// Package migration contains the domain model of the legacy-to-canonical
// migration pipeline: migration jobs, the lineage (identity-mapping) rows that
// bind one legacy record to exactly one canonical record, and the ports the
// pipeline talks to (legacy adapters, the lineage ledger, job persistence).
package migration
