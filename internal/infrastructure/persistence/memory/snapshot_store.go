package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT SNAPSHOT STORE
// ══════════════════════════════════════════════════════════════════════════════

// StudentSnapshotStore keeps student snapshots in a map with optimistic
// version checks, mirroring the conditional UPDATE of the postgres repository.
type StudentSnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*analytics.StudentSnapshot
}

// NewStudentSnapshotStore creates an empty store.
func NewStudentSnapshotStore() *StudentSnapshotStore {
	return &StudentSnapshotStore{snapshots: make(map[string]*analytics.StudentSnapshot)}
}

// Get returns a deep copy of the snapshot, or shared.ErrSnapshotNotFound.
func (s *StudentSnapshotStore) Get(_ context.Context, studentID string) (*analytics.StudentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[studentID]
	if !ok {
		return nil, shared.ErrSnapshotNotFound
	}

	return snap.Clone(), nil
}

// Save upserts a snapshot after checking expectedVersion against the stored
// row. Version 0 means the caller believes the row is new.
func (s *StudentSnapshotStore) Save(_ context.Context, snap *analytics.StudentSnapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.snapshots[snap.StudentID]
	switch {
	case !exists && expectedVersion != 0:
		return shared.ErrSnapshotConflict
	case exists && current.Version != expectedVersion:
		return shared.ErrSnapshotConflict
	}

	s.snapshots[snap.StudentID] = snap.Clone()
	return nil
}

// ListByClass returns deep copies of every member snapshot of a class.
func (s *StudentSnapshotStore) ListByClass(_ context.Context, classID string) ([]*analytics.StudentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*analytics.StudentSnapshot
	for _, snap := range s.snapshots {
		if snap.ClassID == classID {
			out = append(out, snap.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// ListStudentIDs returns every student id, anomalous rows first.
func (s *StudentSnapshotStore) ListStudentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var anomalous, clean []string
	for id, snap := range s.snapshots {
		if snap.Anomalous {
			anomalous = append(anomalous, id)
		} else {
			clean = append(clean, id)
		}
	}

	sort.Strings(anomalous)
	sort.Strings(clean)
	return append(anomalous, clean...), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CLASS SNAPSHOT STORE
// ══════════════════════════════════════════════════════════════════════════════

// ClassSnapshotStore keeps class snapshots in a map. It reads the student
// store for ListClassIDs so classes without a computed snapshot yet are still
// visible to the sweeper.
type ClassSnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*analytics.ClassSnapshot
	students  *StudentSnapshotStore
}

// NewClassSnapshotStore creates an empty store backed by the student store.
func NewClassSnapshotStore(students *StudentSnapshotStore) *ClassSnapshotStore {
	return &ClassSnapshotStore{
		snapshots: make(map[string]*analytics.ClassSnapshot),
		students:  students,
	}
}

// Get returns a deep copy of the class snapshot, or shared.ErrClassNotFound.
func (s *ClassSnapshotStore) Get(_ context.Context, classID string) (*analytics.ClassSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[classID]
	if !ok {
		return nil, shared.ErrClassNotFound
	}

	return snap.Clone(), nil
}

// Save upserts a class snapshot, last write wins.
func (s *ClassSnapshotStore) Save(_ context.Context, snap *analytics.ClassSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.ClassID] = snap.Clone()
	return nil
}

// ListClassIDs returns the union of classes with a class snapshot and classes
// that only have student snapshots so far.
func (s *ClassSnapshotStore) ListClassIDs(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for id := range s.snapshots {
		seen[id] = struct{}{}
	}
	s.mu.RUnlock()

	if s.students != nil {
		s.students.mu.RLock()
		for _, snap := range s.students.snapshots {
			seen[snap.ClassID] = struct{}{}
		}
		s.students.mu.RUnlock()
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Strings(out)
	return out, nil
}
