// Package allowlist stores callers that bypass rate limiting.
package allowlist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aegis/internal/ratelimit/models"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

// InMemoryStore keeps allowlist entries in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.AllowlistEntry
}

// NewInMemory creates an empty allowlist.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*models.AllowlistEntry)}
}

func entryKey(entryType models.AllowlistEntryType, identifier string) string {
	return string(entryType) + ":" + identifier
}

func (s *InMemoryStore) Add(_ context.Context, entry *models.AllowlistEntry) error {
	if entry == nil {
		return fmt.Errorf("allowlist entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries[entryKey(entry.Type, entry.Identifier)] = &copied
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, entryType models.AllowlistEntryType, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(entryType, identifier)
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("remove allowlist entry %s: %w", key, sentinel.ErrNotFound)
	}
	delete(s.entries, key)
	return nil
}

// IsAllowlisted matches identifier against IP and user id entries alike.
func (s *InMemoryStore) IsAllowlisted(ctx context.Context, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	now := requestcontext.Now(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range []models.AllowlistEntryType{models.AllowlistTypeIP, models.AllowlistTypeUserID} {
		if e, ok := s.entries[entryKey(t, identifier)]; ok && !e.IsExpiredAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// List returns active entries, newest first.
func (s *InMemoryStore) List(ctx context.Context) ([]*models.AllowlistEntry, error) {
	now := requestcontext.Now(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*models.AllowlistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.IsExpiredAt(now) {
			continue
		}
		copied := *e
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// RemoveExpiredAt removes all entries that have expired as of the given time.
func (s *InMemoryStore) RemoveExpiredAt(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.IsExpiredAt(now) {
			delete(s.entries, key)
		}
	}
	return nil
}
