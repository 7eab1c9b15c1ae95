package analytics

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// EventLog is the append-only record of raw facts. External writers own the
// ingestion boundary; the core only appends and reads.
type EventLog interface {
	// Append stores an event. Returns inserted=false when the event id is
	// already in the log (duplicate delivery), not an error.
	Append(ctx context.Context, e Event) (inserted bool, err error)

	// ListByStudent returns a student's events with OccurredAt >= since,
	// oldest first. The sweeper's bounded-lookback recompute reads this.
	ListByStudent(ctx context.Context, studentID string, since time.Time) ([]Event, error)

	// CountByStudentBefore returns how many of a student's events have
	// OccurredAt < before. The sweeper uses it to detect history outside
	// its replay window, which a replay-based comparison cannot judge.
	CountByStudentBefore(ctx context.Context, studentID string, before time.Time) (int64, error)

	// ListByClassSince returns a class's events of one kind with
	// OccurredAt >= since. Feeds the live-poll block of the dashboard.
	ListByClassSince(ctx context.Context, classID string, kind EventKind, since time.Time) ([]Event, error)

	// DeleteOlderThan prunes events past the retention horizon and returns
	// how many rows were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StudentSnapshotRepository persists per-student snapshots.
type StudentSnapshotRepository interface {
	// Get returns a student's snapshot, or shared.ErrSnapshotNotFound.
	Get(ctx context.Context, studentID string) (*StudentSnapshot, error)

	// Save upserts a snapshot. expectedVersion is the version the caller
	// loaded (0 for a new row); a mismatch returns shared.ErrSnapshotConflict
	// so the caller can reload and retry.
	Save(ctx context.Context, snap *StudentSnapshot, expectedVersion int64) error

	// ListByClass returns all member snapshots of a class.
	ListByClass(ctx context.Context, classID string) ([]*StudentSnapshot, error)

	// ListStudentIDs returns every student id with a snapshot, anomalous
	// students first so the sweeper re-derives flagged rows before the rest.
	ListStudentIDs(ctx context.Context) ([]string, error)
}

// ClassSnapshotRepository persists per-class snapshots.
type ClassSnapshotRepository interface {
	// Get returns a class snapshot, or shared.ErrClassNotFound.
	Get(ctx context.Context, classID string) (*ClassSnapshot, error)

	// Save upserts a class snapshot (last write wins; recomputes are
	// serialized per class by the aggregator).
	Save(ctx context.Context, snap *ClassSnapshot) error

	// ListClassIDs returns every class id that has at least one student
	// snapshot, whether or not a class snapshot exists yet.
	ListClassIDs(ctx context.Context) ([]string, error)
}

// DashboardCacheStore persists the (teacher, class)-keyed payload cache.
// Entries are pure derived artifacts, safe to discard at any time.
type DashboardCacheStore interface {
	// Get returns the cached entry, or shared.ErrCacheEntryNotFound.
	// Expired entries are still returned: the manager decides between
	// refreshing and serving stale.
	Get(ctx context.Context, teacherID, classID string) (*CacheEntry, error)

	// Put stores or replaces an entry.
	Put(ctx context.Context, entry *CacheEntry) error

	// InvalidateClass expires every entry for the class (all teachers).
	InvalidateClass(ctx context.Context, classID string) error
}
