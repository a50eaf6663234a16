package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/desertthunder/ytsync/internal/shared"
)

// MemoryStore is a process-local [SlotStore].
//
// It coordinates goroutines of one process only. Now may be replaced before use to
// drive expiry from a test clock.
type MemoryStore struct {
	Now func() time.Time

	mu      sync.Mutex
	seq     int64
	slots   map[string]*memorySlot
	waiters map[string]map[string]*memoryWaiter
}

type memorySlot struct {
	holderID       string
	holderIdentity string
	weight         int
	generation     int64
	acquiredAt     time.Time
	expiresAt      time.Time
}

type memoryWaiter struct {
	arrival   int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:     time.Now,
		slots:   make(map[string]*memorySlot),
		waiters: make(map[string]map[string]*memoryWaiter),
	}
}

func (s *MemoryStore) slot(name string) *memorySlot {
	sl, ok := s.slots[name]
	if !ok {
		sl = &memorySlot{}
		s.slots[name] = sl
	}
	return sl
}

func (s *MemoryStore) queue(name string) map[string]*memoryWaiter {
	q, ok := s.waiters[name]
	if !ok {
		q = make(map[string]*memoryWaiter)
		s.waiters[name] = q
	}
	return q
}

func (s *MemoryStore) Enqueue(ctx context.Context, t *Ticket, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t.Arrival = s.seq
	s.queue(t.Slot)[t.ID] = &memoryWaiter{arrival: s.seq, expiresAt: s.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Position(ctx context.Context, t *Ticket, ttl time.Duration) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	q := s.queue(t.Slot)
	self, ok := q[t.ID]
	if !ok || !self.expiresAt.After(now) {
		delete(q, t.ID)
		return 0, 0, fmt.Errorf("%w: waiter %s", shared.ErrNotFound, t.ID)
	}
	self.expiresAt = now.Add(ttl)

	ahead := 0
	for id, w := range q {
		if !w.expiresAt.After(now) {
			delete(q, id)
			continue
		}
		if w.arrival < self.arrival {
			ahead++
		}
	}
	return ahead, len(q), nil
}

func (s *MemoryStore) TryAcquire(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	sl := s.slot(t.Slot)
	if sl.holderID != "" && sl.expiresAt.After(now) {
		return false, nil
	}

	sl.generation++
	sl.holderID = t.ID
	sl.holderIdentity = t.Identity
	sl.weight = t.Weight
	sl.acquiredAt = now
	sl.expiresAt = now.Add(ttl)
	delete(s.queue(t.Slot), t.ID)

	t.Generation = sl.generation
	t.ExpiresAt = sl.expiresAt
	return true, nil
}

func (s *MemoryStore) Extend(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slot(t.Slot)
	if sl.holderID != t.ID || sl.generation != t.Generation {
		return false, nil
	}
	sl.expiresAt = s.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue(t.Slot), t.ID)
	sl := s.slot(t.Slot)
	if sl.holderID != t.ID || sl.generation != t.Generation {
		return fmt.Errorf("%w: %s", shared.ErrSlotNotHeld, t.ID)
	}
	sl.holderID, sl.holderIdentity, sl.weight = "", "", 0
	sl.expiresAt = time.Time{}
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue(t.Slot), t.ID)
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, slot string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	sl := s.slot(slot)
	snap := Snapshot{Slot: slot, Generation: sl.generation}
	if sl.holderID != "" && sl.expiresAt.After(now) {
		snap.HolderID = sl.holderID
		snap.HolderIdentity = sl.holderIdentity
		snap.Weight = sl.weight
		snap.AcquiredAt = sl.acquiredAt
		snap.ExpiresAt = sl.expiresAt
	}
	for _, w := range s.queue(slot) {
		if w.expiresAt.After(now) {
			snap.Waiting++
		}
	}
	return snap, nil
}

func (s *MemoryStore) ForceRelease(ctx context.Context, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slot(slot)
	sl.holderID, sl.holderIdentity, sl.weight = "", "", 0
	sl.expiresAt = time.Time{}
	return nil
}
