package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD CACHE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// DashboardCacheRepository implements analytics.DashboardCacheStore for
// PostgreSQL. It is the durable tier behind the Redis cache: it survives
// Redis restarts and keeps a stale payload available for degraded serving.
type DashboardCacheRepository struct {
	conn *Connection
}

// NewDashboardCacheRepository creates a new DashboardCacheRepository.
func NewDashboardCacheRepository(conn *Connection) *DashboardCacheRepository {
	return &DashboardCacheRepository{conn: conn}
}

// Get returns the cached entry, expired or not, or shared.ErrCacheEntryNotFound.
func (r *DashboardCacheRepository) Get(ctx context.Context, teacherID, classID string) (*analytics.CacheEntry, error) {
	query := `
		SELECT teacher_id, class_id, payload, class_version, expires_at, created_at
		FROM dashboard_cache
		WHERE teacher_id = $1 AND class_id = $2
	`

	var entry analytics.CacheEntry
	err := r.conn.QueryRow(ctx, query, teacherID, classID).Scan(
		&entry.TeacherID,
		&entry.ClassID,
		&entry.Payload,
		&entry.ClassVersion,
		&entry.ExpiresAt,
		&entry.CreatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCacheEntryNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return &entry, nil
}

// Put stores or replaces an entry.
func (r *DashboardCacheRepository) Put(ctx context.Context, entry *analytics.CacheEntry) error {
	query := `
		INSERT INTO dashboard_cache (
			teacher_id, class_id, payload, class_version, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (teacher_id, class_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			class_version = EXCLUDED.class_version,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`

	_, err := r.conn.Exec(ctx, query,
		entry.TeacherID,
		entry.ClassID,
		entry.Payload,
		entry.ClassVersion,
		entry.ExpiresAt,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}

	return nil
}

// InvalidateClass expires every entry for the class across all teachers.
// Rows are kept, not deleted: an expired row is the stale-fallback payload.
func (r *DashboardCacheRepository) InvalidateClass(ctx context.Context, classID string) error {
	query := `
		UPDATE dashboard_cache SET expires_at = $1
		WHERE class_id = $2 AND expires_at > $1
	`

	if _, err := r.conn.Exec(ctx, query, time.Now().UTC(), classID); err != nil {
		return fmt.Errorf("failed to invalidate class entries: %w", err)
	}

	return nil
}
