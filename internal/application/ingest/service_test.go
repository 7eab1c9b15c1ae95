package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/persistence/memory"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *capturingPublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) byType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memory.EventLog, *memory.StudentSnapshotStore, *capturingPublisher) {
	t.Helper()
	log := memory.NewEventLog()
	snaps := memory.NewStudentSnapshotStore()
	pub := &capturingPublisher{}
	svc := NewService(log, snaps, pub, logger.Default())
	return svc, log, snaps, pub
}

func masteryEvent(studentID, classID string, value float64, at time.Time) analytics.Event {
	return analytics.Event{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		ClassID:    classID,
		Kind:       analytics.KindMastery,
		ConceptID:  "fractions",
		Value:      value,
		OccurredAt: at,
		RecordedAt: at,
	}
}

func TestApply_RunningAverage(t *testing.T) {
	svc, _, snaps, _ := newTestService(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	base := time.Now().UTC()

	for i, v := range []float64{80, 60, 100} {
		out, err := svc.Apply(ctx, masteryEvent(studentID, classID, v, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, analytics.ResultApplied, out.Result)
	}

	snap, err := snaps.Get(ctx, studentID)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, snap.MasteryAverage, 0.01)
	assert.Equal(t, 3, snap.MasteryCount)
	assert.Equal(t, int64(3), snap.Version)
}

func TestApply_DuplicateDelivery(t *testing.T) {
	svc, _, snaps, pub := newTestService(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	e := masteryEvent(studentID, uuid.NewString(), 70, time.Now().UTC())

	first, err := svc.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultApplied, first.Result)

	second, err := svc.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultDuplicate, second.Result)

	snap, err := snaps.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version, "duplicate must change version by exactly one total")
	assert.Equal(t, 1, snap.MasteryCount)

	assert.Len(t, pub.byType(shared.EventStudentSnapshotChanged), 1)
	assert.Len(t, pub.byType(shared.EventDuplicate), 1)
}

func TestApply_DuplicateCaughtByLogAfterRingEviction(t *testing.T) {
	// A second updater instance has a cold ring; the log's id check still
	// rejects the redelivery.
	log := memory.NewEventLog()
	snaps := memory.NewStudentSnapshotStore()
	svcA := NewService(log, snaps, &capturingPublisher{}, logger.Default())
	svcB := NewService(log, snaps, &capturingPublisher{}, logger.Default())

	ctx := context.Background()
	e := masteryEvent(uuid.NewString(), uuid.NewString(), 55, time.Now().UTC())

	first, err := svcA.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultApplied, first.Result)

	second, err := svcB.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultDuplicate, second.Result)
	assert.Equal(t, int64(1), second.Version)
}

// brokenSnapshotStore fails every Save while armed, simulating a snapshot
// store outage after the log append already succeeded.
type brokenSnapshotStore struct {
	*memory.StudentSnapshotStore
	failing bool
}

func (s *brokenSnapshotStore) Save(ctx context.Context, snap *analytics.StudentSnapshot, expectedVersion int64) error {
	if s.failing {
		return shared.ErrServiceUnavailable
	}
	return s.StudentSnapshotStore.Save(ctx, snap, expectedVersion)
}

func TestApply_SnapshotSaveFailureLeavesRedeliveryToLogCheck(t *testing.T) {
	log := memory.NewEventLog()
	snaps := &brokenSnapshotStore{StudentSnapshotStore: memory.NewStudentSnapshotStore(), failing: true}
	pub := &capturingPublisher{}
	svc := NewService(log, snaps, pub, logger.Default())

	ctx := context.Background()
	e := masteryEvent(uuid.NewString(), uuid.NewString(), 70, time.Now().UTC())

	_, err := svc.Apply(ctx, e)
	require.Error(t, err)
	assert.Equal(t, 1, log.Len(), "the event must stay durable in the log")

	// The contribution missed the snapshot, so the write path answers the
	// retry as a duplicate and leaves the repair to the log replay.
	snaps.failing = false
	out, err := svc.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultDuplicate, out.Result)
	assert.Equal(t, 1, log.Len())
	assert.Empty(t, pub.byType(shared.EventStudentSnapshotChanged))
}

func TestApply_ConcurrentSameStudent(t *testing.T) {
	svc, _, snaps, _ := newTestService(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	base := time.Now().UTC()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Apply(ctx, masteryEvent(studentID, classID, float64(i%100), base.Add(time.Duration(i)*time.Millisecond)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := snaps.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, n, snap.MasteryCount)
	assert.Equal(t, int64(n), snap.Version)
}

func TestApply_InvalidEventRejected(t *testing.T) {
	svc, log, _, _ := newTestService(t)

	e := masteryEvent(uuid.NewString(), uuid.NewString(), 70, time.Now().UTC())
	e.ID = ""

	_, err := svc.Apply(context.Background(), e)
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
	assert.Zero(t, log.Len(), "invalid events must not reach the log")
}

func TestApply_StaleProjectStatusIsNoOp(t *testing.T) {
	svc, _, snaps, pub := newTestService(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	newer := analytics.Event{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		ClassID:    classID,
		Kind:       analytics.KindProjectStatus,
		Value:      2,
		OccurredAt: now,
		RecordedAt: now,
	}
	older := analytics.Event{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		ClassID:    classID,
		Kind:       analytics.KindProjectStatus,
		Value:      1,
		OccurredAt: now.Add(-time.Hour),
		RecordedAt: now,
	}

	out, err := svc.Apply(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, analytics.ResultApplied, out.Result)

	out, err = svc.Apply(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, analytics.ResultOutOfOrder, out.Result)

	snap, err := snaps.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, analytics.StatusCompleted, snap.ProjectStatus, "newer status must survive the stale arrival")
	assert.Equal(t, int64(1), snap.Version)

	assert.Len(t, pub.byType(shared.EventStudentSnapshotChanged), 1)
	assert.Len(t, pub.byType(shared.EventOutOfOrder), 1)
}

func TestApply_ClampingFlagsAnomalous(t *testing.T) {
	svc, _, snaps, _ := newTestService(t)
	ctx := context.Background()
	studentID := uuid.NewString()

	out, err := svc.Apply(ctx, masteryEvent(studentID, uuid.NewString(), 250, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, out.Anomalous)

	snap, err := snaps.Get(ctx, studentID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.MasteryAverage, 0.001)
	assert.True(t, snap.Anomalous)
}
