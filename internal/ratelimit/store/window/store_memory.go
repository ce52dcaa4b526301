package window

import (
	"context"
	"sync"
	"time"

	"aegis/internal/ratelimit/models"
)

// InMemoryStore implements the window store for a single process. It is used
// when no Redis URL is configured and in tests.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string]*markers
}

type markers struct {
	times     []time.Time
	expiresAt time.Time
}

// NewInMemory creates an empty in-memory window store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string]*markers)}
}

// Record applies the same purge, count, insert and expire sequence as the
// Redis store under a single lock.
func (s *InMemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration) (models.WindowSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &markers{}
		s.windows[key] = w
	}

	windowStart := now.Add(-window)
	live := w.times[:0]
	for _, t := range w.times {
		if !t.Before(windowStart) {
			live = append(live, t)
		}
	}
	w.times = live

	sample := models.WindowSample{CountBefore: len(w.times)}
	w.times = append(w.times, now)
	w.expiresAt = now.Add(window)
	sample.Oldest = w.times[0]
	for _, t := range w.times[1:] {
		if t.Before(sample.Oldest) {
			sample.Oldest = t
		}
	}
	return sample, nil
}

// Reset clears the window for a key.
func (s *InMemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Sweep drops windows that expired before now and returns how many were removed.
func (s *InMemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		if now.After(w.expiresAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on every interval until ctx is cancelled.
func (s *InMemoryStore) StartSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.Sweep(now)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
