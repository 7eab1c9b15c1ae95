package memory

import (
	"context"
	"sync"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/timeutil"
)

// CacheStore keeps dashboard cache entries in a map keyed by teacher and
// class. Invalidation expires entries instead of removing them so the cache
// manager can still serve stale payloads when a rebuild fails.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[cacheKey]*analytics.CacheEntry
}

type cacheKey struct {
	teacherID string
	classID   string
}

// NewCacheStore creates an empty cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[cacheKey]*analytics.CacheEntry)}
}

// Get returns the cached entry, expired or not, or shared.ErrCacheEntryNotFound.
func (s *CacheStore) Get(_ context.Context, teacherID, classID string) (*analytics.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[cacheKey{teacherID, classID}]
	if !ok {
		return nil, shared.ErrCacheEntryNotFound
	}

	return cloneEntry(entry), nil
}

// Put stores or replaces an entry.
func (s *CacheStore) Put(_ context.Context, entry *analytics.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[cacheKey{entry.TeacherID, entry.ClassID}] = cloneEntry(entry)
	return nil
}

// InvalidateClass expires every entry for the class across all teachers.
func (s *CacheStore) InvalidateClass(_ context.Context, classID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeutil.Now()
	for key, entry := range s.entries {
		if key.classID == classID && entry.ExpiresAt.After(now) {
			entry.ExpiresAt = now
		}
	}

	return nil
}

func cloneEntry(e *analytics.CacheEntry) *analytics.CacheEntry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}
