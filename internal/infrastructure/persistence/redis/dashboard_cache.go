package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/timeutil"
)

// cachedEntry is the Redis wire format for a dashboard cache entry.
// Logical expiry travels inside the value; the Redis TTL is only a
// retention bound that garbage-collects abandoned entries.
type cachedEntry struct {
	TeacherID    string    `json:"teacher_id"`
	ClassID      string    `json:"class_id"`
	Payload      []byte    `json:"payload"`
	ClassVersion int64     `json:"class_version"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// DashboardCacheStore implements analytics.DashboardCacheStore on Redis.
//
// Invalidation rewrites entries with ExpiresAt in the past instead of
// deleting them, so an expired payload stays readable as a stale fallback
// until the retention window evicts it.
type DashboardCacheStore struct {
	cache *Cache
}

// NewDashboardCacheStore creates a Redis-backed dashboard cache store.
func NewDashboardCacheStore(cache *Cache) *DashboardCacheStore {
	return &DashboardCacheStore{cache: cache}
}

// Get returns the cached entry for a (teacher, class) pair, expired or not.
func (s *DashboardCacheStore) Get(ctx context.Context, teacherID, classID string) (*analytics.CacheEntry, error) {
	var stored cachedEntry
	err := s.cache.Get(ctx, DashboardKey(teacherID, classID), &stored)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, shared.ErrCacheEntryNotFound
		}
		return nil, fmt.Errorf("dashboard cache get: %w", err)
	}

	return &analytics.CacheEntry{
		TeacherID:    stored.TeacherID,
		ClassID:      stored.ClassID,
		Payload:      stored.Payload,
		ClassVersion: stored.ClassVersion,
		ExpiresAt:    stored.ExpiresAt,
		CreatedAt:    stored.CreatedAt,
	}, nil
}

// Put stores or replaces an entry and registers it in the class index.
func (s *DashboardCacheStore) Put(ctx context.Context, entry *analytics.CacheEntry) error {
	key := DashboardKey(entry.TeacherID, entry.ClassID)

	stored := cachedEntry{
		TeacherID:    entry.TeacherID,
		ClassID:      entry.ClassID,
		Payload:      entry.Payload,
		ClassVersion: entry.ClassVersion,
		ExpiresAt:    entry.ExpiresAt,
		CreatedAt:    entry.CreatedAt,
	}

	if err := s.cache.Set(ctx, key, stored, RetentionDashboard); err != nil {
		return fmt.Errorf("dashboard cache put: %w", err)
	}

	// Index membership lets InvalidateClass find every teacher's entry
	// for the class without a keyspace scan.
	if err := s.cache.SAdd(ctx, ClassIndexKey(entry.ClassID), RetentionClassIndex, key); err != nil {
		return fmt.Errorf("dashboard cache index: %w", err)
	}

	return nil
}

// InvalidateClass expires every entry for the class across all teachers.
func (s *DashboardCacheStore) InvalidateClass(ctx context.Context, classID string) error {
	keys, err := s.cache.SMembers(ctx, ClassIndexKey(classID))
	if err != nil {
		return fmt.Errorf("dashboard cache invalidate: %w", err)
	}

	now := timeutil.Now()
	for _, key := range keys {
		var stored cachedEntry
		if err := s.cache.Get(ctx, key, &stored); err != nil {
			if errors.Is(err, ErrCacheMiss) {
				continue
			}
			return fmt.Errorf("dashboard cache invalidate: %w", err)
		}
		if !now.After(stored.ExpiresAt) {
			stored.ExpiresAt = now
			if err := s.cache.Set(ctx, key, stored, RetentionDashboard); err != nil {
				return fmt.Errorf("dashboard cache invalidate: %w", err)
			}
		}
	}

	return nil
}
