package ticket

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tickets in process. Suitable for a single replica.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rec      Record
	deadline time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, rec Record, keep time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.tickets[rec.Value] = memoryEntry{rec: rec, deadline: now.Add(keep)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, value string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tickets[value]
	if !ok {
		return Record{}, false, nil
	}
	delete(s.tickets, value)
	return e.rec, true, nil
}

// Len returns the number of stored tickets, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, e := range s.tickets {
		if now.After(e.deadline) {
			delete(s.tickets, key)
		}
	}
}
