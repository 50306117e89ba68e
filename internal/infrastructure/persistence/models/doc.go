// Package models contains GORM persistence models for the migration tables.
// Models stay separate from domain entities so the domain layer carries no ORM
// tags; each model converts with ToDomain/FromDomain.
//
// - base.go: fields shared by tenant-scoped aggregate roots
// - migration_job.go: migration_jobs
// - lineage.go: migration_lineage
package models
