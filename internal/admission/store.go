package admission

import (
	"context"
	"time"
)

// SlotStore is the shared state behind a [Queue].
//
// Every method must be atomic with respect to other clients of the same store.
type SlotStore interface {
	// Enqueue registers t as a waiter with a lease of ttl and assigns t.Arrival.
	Enqueue(ctx context.Context, t *Ticket, ttl time.Duration) error
	// Position refreshes t's waiter lease, purges expired waiters and returns the
	// number of live waiters that arrived before t along with the total live count.
	// It returns shared.ErrNotFound when t's registration has already expired.
	Position(ctx context.Context, t *Ticket, ttl time.Duration) (ahead, waiting int, err error)
	// TryAcquire claims the slot if it is free or expired. On success it removes
	// t's waiter entry and sets t.Generation and t.ExpiresAt.
	TryAcquire(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error)
	// Extend pushes the expiry of a slot still held by t.
	Extend(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error)
	// Release frees the slot if t still holds it and removes t's waiter entry.
	// It returns shared.ErrSlotNotHeld when the slot was lost.
	Release(ctx context.Context, t *Ticket) error
	// Dequeue removes t's waiter entry.
	Dequeue(ctx context.Context, t *Ticket) error
	// Snapshot reports the slot holder and live waiter count.
	Snapshot(ctx context.Context, slot string) (Snapshot, error)
	// ForceRelease clears the slot regardless of holder.
	ForceRelease(ctx context.Context, slot string) error
}
