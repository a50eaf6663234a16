// Package models defines domain entities and persistence interfaces for the ytsync pipeline.
//
// The package contains two categories of types:
//
// 1. Value types passed through the pipeline
//   - [Video] : A content item fetched from a target, identified by its [NaturalKey]
//   - [ThrottleRecord] : Per-identity completion history used by the throttle guard
//
// 2. Persistent Entities: Database-backed models with full lifecycle management
//   - [Target] : A followed channel owned by an identity
//   - [SyncRun] : One recorded pipeline run and its outcome
//
// All persistent entities implement the Model interface providing ID generation, timestamps, validation, and soft delete support.
// The Repository[T] interface defines standard CRUD operations for database access.
package models
