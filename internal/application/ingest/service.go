// Package ingest implements the snapshot updater: the single write path from
// the raw event log to per-student snapshots. Delivery is at-least-once, so
// the updater deduplicates by event id before any snapshot math runs.
package ingest

import (
	"context"
	"sync"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
	"github.com/classpulse/classpulse-analytics/pkg/retry"
)

// dedupRingSize bounds the per-student in-memory duplicate window. Older
// duplicates fall through to the event log's unique constraint.
const dedupRingSize = 256

// Outcome reports what an ingested event did to the student's snapshot.
type Outcome struct {
	Result    analytics.ApplyResult
	Version   int64
	Anomalous bool
}

// Service applies raw events to student snapshots.
//
// Events for the same student are serialized by a per-student lock, so the
// load-apply-save sequence normally succeeds on the first attempt. The
// optimistic-version retry exists for the one legitimate writer outside this
// lock: the reconciliation sweeper overwriting a drifted snapshot.
type Service struct {
	events    analytics.EventLog
	snapshots analytics.StudentSnapshotRepository
	publisher shared.EventPublisher
	retrier   *retry.Retrier
	log       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	dedup map[string]*idRing
}

// NewService creates the snapshot updater.
func NewService(
	events analytics.EventLog,
	snapshots analytics.StudentSnapshotRepository,
	publisher shared.EventPublisher,
	log *logger.Logger,
) *Service {
	return &Service{
		events:    events,
		snapshots: snapshots,
		publisher: publisher,
		retrier:   retry.SnapshotRetrier(),
		log:       log.With(logger.Component("ingest")),
		locks:     make(map[string]*sync.Mutex),
		dedup:     make(map[string]*idRing),
	}
}

// Apply validates an event, appends it to the log, and folds it into the
// student's snapshot. Structurally invalid events are rejected with an error;
// duplicates and out-of-order arrivals are normal outcomes, not errors.
func (s *Service) Apply(ctx context.Context, e analytics.Event) (Outcome, error) {
	if err := e.Validate(); err != nil {
		return Outcome{}, err
	}

	lock := s.studentLock(e.StudentID)
	lock.Lock()
	defer lock.Unlock()

	ring := s.studentRing(e.StudentID)
	if ring.Contains(e.ID) {
		s.publishOutcome(shared.EventDuplicate, e)
		s.log.Debug("duplicate event, ring hit", logger.EventID(e.ID), logger.StudentID(e.StudentID))
		return s.currentOutcome(ctx, e.StudentID, analytics.ResultDuplicate)
	}

	inserted, err := s.events.Append(ctx, e)
	if err != nil {
		return Outcome{}, shared.WrapError("analytics", "ingest.Apply", shared.ErrServiceUnavailable, "append event to log", err)
	}

	if !inserted {
		ring.Remember(e.ID)
		s.publishOutcome(shared.EventDuplicate, e)
		s.log.Debug("duplicate event, log hit", logger.EventID(e.ID), logger.StudentID(e.StudentID))
		return s.currentOutcome(ctx, e.StudentID, analytics.ResultDuplicate)
	}

	var (
		result  analytics.ApplyResult
		snap    *analytics.StudentSnapshot
		mutated bool
	)

	err = s.retrier.Do(ctx, func(ctx context.Context) error {
		loaded, loadErr := s.loadOrNew(ctx, e.StudentID, e.ClassID)
		if loadErr != nil {
			return loadErr
		}

		expected := loaded.Version
		result = loaded.Apply(e)
		mutated = loaded.Version != expected

		// Nothing mutated (a stale project-status arrival, for example):
		// skip the write entirely.
		if !mutated {
			snap = loaded
			return nil
		}

		if saveErr := s.snapshots.Save(ctx, loaded, expected); saveErr != nil {
			if shared.IsConflict(saveErr) {
				return retry.Retryable(saveErr)
			}
			return saveErr
		}

		snap = loaded
		return nil
	})
	if err != nil {
		// The event is already durable in the log but its contribution
		// missed the snapshot. The id stays out of the ring so the miss
		// remains visible: a redelivery lands on the log-hit path above
		// and answers Duplicate, and the nightly replay folds the event
		// in from the log.
		return Outcome{}, shared.WrapError("analytics", "ingest.Apply", shared.ErrServiceUnavailable, "persist student snapshot", err)
	}

	ring.Remember(e.ID)

	if result == analytics.ResultOutOfOrder {
		s.publishOutcome(shared.EventOutOfOrder, e)
	} else {
		s.publishOutcome(shared.EventApplied, e)
	}

	if mutated {
		s.publish(shared.NewStudentSnapshotChangedEvent(snap.StudentID, snap.ClassID, snap.Version))
	}

	s.log.Debug("event applied",
		logger.EventID(e.ID),
		logger.StudentID(e.StudentID),
		logger.EventKind(string(e.Kind)),
		logger.ApplyResult(result.String()),
		logger.Version(snap.Version),
	)

	return Outcome{Result: result, Version: snap.Version, Anomalous: snap.Anomalous}, nil
}

// loadOrNew fetches the student's snapshot, creating a zero-valued one for
// first contact.
func (s *Service) loadOrNew(ctx context.Context, studentID, classID string) (*analytics.StudentSnapshot, error) {
	snap, err := s.snapshots.Get(ctx, studentID)
	if err != nil {
		if shared.IsNotFound(err) {
			return analytics.NewStudentSnapshot(studentID, classID), nil
		}
		return nil, err
	}
	return snap, nil
}

// currentOutcome reports the snapshot's present version for a no-op ingest.
func (s *Service) currentOutcome(ctx context.Context, studentID string, result analytics.ApplyResult) (Outcome, error) {
	snap, err := s.snapshots.Get(ctx, studentID)
	if err != nil {
		if shared.IsNotFound(err) {
			return Outcome{Result: result}, nil
		}
		return Outcome{}, err
	}
	return Outcome{Result: result, Version: snap.Version, Anomalous: snap.Anomalous}, nil
}

func (s *Service) studentLock(studentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[studentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[studentID] = lock
	}
	return lock
}

func (s *Service) studentRing(studentID string) *idRing {
	// Caller holds the student lock, but rings live in a shared map.
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.dedup[studentID]
	if !ok {
		ring = newIDRing(dedupRingSize)
		s.dedup[studentID] = ring
	}
	return ring
}

func (s *Service) publish(event shared.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(event); err != nil {
		s.log.Warn("publish failed", logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}

func (s *Service) publishOutcome(t shared.EventType, e analytics.Event) {
	s.publish(ingestOutcomeEvent{
		BaseEvent: shared.NewBaseEvent(t, e.StudentID),
		EventID:   e.ID,
		StudentID: e.StudentID,
		ClassID:   e.ClassID,
		Kind:      string(e.Kind),
	})
}

// ingestOutcomeEvent records what ingestion decided about one delivery.
type ingestOutcomeEvent struct {
	shared.BaseEvent
	EventID   string `json:"event_id"`
	StudentID string `json:"student_id"`
	ClassID   string `json:"class_id"`
	Kind      string `json:"kind"`
}

func (e ingestOutcomeEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":   e.EventID,
		"student_id": e.StudentID,
		"class_id":   e.ClassID,
		"kind":       e.Kind,
	}
}

// idRing is a fixed-size window of recently seen event ids.
type idRing struct {
	ids  []string
	seen map[string]struct{}
	next int
}

func newIDRing(size int) *idRing {
	return &idRing{
		ids:  make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

func (r *idRing) Contains(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *idRing) Remember(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ids[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}
