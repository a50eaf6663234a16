// Package repositories implements SQLite persistence for the sync pipeline.
//
// Each repository handles CRUD operations with atomic sequence generation for human-readable ordering.
// Persistent entities support soft deletes via deleted_at timestamps and exclude deleted records from queries by default.
//
// Key Implementations:
//   - [TargetRepository] : Followed channels per owner
//   - [VideoRepository] : Batched natural-key upserts of fetched videos
//   - [ThrottleRepository] : Versioned throttle records updated by compare-and-swap
//   - [SlotRepository] : The admission slot and its waiter list
//   - [SyncRunRepository] : Run history
//
// Sequence numbers provide stable, human-readable ordering (e.g., target #42, run #15) independent of UUIDs and creation timestamps.
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
