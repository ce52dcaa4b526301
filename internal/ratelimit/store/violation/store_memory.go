package violation

import (
	"context"
	"sync"
	"time"

	"aegis/internal/ratelimit/models"
)

// InMemoryStore implements the violation store for a single process.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*entry
	now     func() time.Time
}

type entry struct {
	count     int64
	expiresAt time.Time
}

// NewInMemory creates an empty in-memory violation store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*entry), now: time.Now}
}

// NewInMemoryWithClock lets tests control expiry.
func NewInMemoryWithClock(now func() time.Time) *InMemoryStore {
	s := NewInMemory()
	s.now = now
	return s
}

func (s *InMemoryStore) live(key string, now time.Time) *entry {
	e, ok := s.records[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(s.records, key)
		return nil
	}
	return e
}

// Increment bumps the counter; the TTL starts at the first breach.
func (s *InMemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key, now)
	if e == nil {
		e = &entry{expiresAt: now.Add(ttl)}
		s.records[key] = e
	}
	e.count++
	return e.count, nil
}

// Get returns the record for key; a missing key has a zero count.
func (s *InMemoryStore) Get(_ context.Context, key string) (models.ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record := models.ViolationRecord{Key: key}
	if e := s.live(key, now); e != nil {
		record.Count = e.count
		record.TTL = e.expiresAt.Sub(now)
	}
	return record, nil
}

// Clear removes the record for a key.
func (s *InMemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
