package throttle

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

// MemoryStore is a process-local [Store].
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.ThrottleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.ThrottleRecord)}
}

func (s *MemoryStore) GetThrottle(ctx context.Context, identity string) (models.ThrottleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		return models.ThrottleRecord{}, fmt.Errorf("%w: throttle record %s", shared.ErrNotFound, identity)
	}
	rec.Completions = slices.Clone(rec.Completions)
	return rec, nil
}

func (s *MemoryStore) SwapThrottle(ctx context.Context, next models.ThrottleRecord, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[next.Identity]
	if (!ok && expected != 0) || (ok && current.Version != expected) {
		return false, nil
	}
	next.Completions = slices.Clone(next.Completions)
	s.records[next.Identity] = next
	return true, nil
}

func (s *MemoryStore) DeleteThrottle(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, identity)
	return nil
}
