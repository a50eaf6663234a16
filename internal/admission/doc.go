// Package admission serializes heavy sync runs across independent clients.
//
// A [Queue] grants one [Ticket] at a time per named slot. Runs lighter than the
// bypass threshold skip the queue entirely. Everything else registers as a waiter,
// heartbeats its registration and retries a compare-and-swap on the slot until it
// wins, its deadline passes or its context is cancelled.
//
// The slot and the waiter list live behind [SlotStore] so the same protocol runs
// on SQLite, Postgres, Redis or process memory. A held slot expires after its TTL,
// so a crashed holder never blocks the queue for longer than one TTL.
package admission
