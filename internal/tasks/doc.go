// Package tasks orchestrates sync runs for followed channels with real-time progress reporting.
//
// # Core Operations
//
// The [SyncEngine] interface drives one run through a fixed state machine:
//
//	Idle → ThrottleCheck → (Rejected | Admitting) → (TimedOut | Admitted) → Fetching → Committing → Reporting → Idle
//
// Each state hands off to the next:
//
//  1. ThrottleCheck : [ThrottleGuard] refuses identities that synced too recently
//  2. Admitting : [Admitter] waits for the shared slot, reporting queue position and jitter
//  3. Fetching : [Orchestrator.RunFetch] fans out with bounded concurrency
//  4. Committing : [Committer.Commit] upserts de-duplicated videos in concurrent batches
//  5. Reporting : the admission slot is released, the run is recorded, a [SyncRunResult] is returned
//
// # Progress Reporting
//
// # All operations use non-blocking progress callbacks
//
// The [ProgressUpdate] struct contains phase, step counters, messages, and optional data for advanced UI rendering.
// Counted messages embed a "[completed/total]" marker that [ParseCounter] extracts for percentage display.
// [ChannelProgress] adapts a channel, using select with default to prevent blocking.
//
// # Cancellation
//
// A [CancelToken] is checked before each queue re-poll and before each fetch dispatch.
// It never interrupts an in-flight fetch or the commit phase: whatever was fetched
// before the cancel was observed is still committed, and the result reports cancelled.
//
// # Failure Handling
//
// Rate-limited and failed targets are counted and their siblings continue.
// A source or writer that panics is treated as a failed fetch or a failed batch.
// A blocked response stops further dispatch and fails the run with an error.
// Throttle rejections, admission timeouts, cancellations and runs where every
// target was rate limited are ordinary results.
// [ThrottleGuard.RecordCompletion] is only called for successful runs.
//
// # Implementation
//
// [Engine] implements [SyncEngine] with dependencies on:
//   - [services.ChannelSource] : the video feed client
//   - [VideoWriter] : the SQLite or Postgres video store
//   - [RunRecorder] : optional run history
package tasks
