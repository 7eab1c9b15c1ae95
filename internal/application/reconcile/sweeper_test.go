package reconcile

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

type stubRecomputer struct {
	mu      sync.Mutex
	classes []string
}

func (r *stubRecomputer) Recompute(_ context.Context, classID string) (*analytics.ClassSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, classID)
	return &analytics.ClassSnapshot{ClassID: classID, Version: 1}, nil
}

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

func (p *capturingPublisher) count(t shared.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type sweepFixture struct {
	sweeper   *Sweeper
	log       *memory.EventLog
	students  *memory.StudentSnapshotStore
	recompute *stubRecomputer
	pub       *capturingPublisher
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	log := memory.NewEventLog()
	students := memory.NewStudentSnapshotStore()
	recompute := &stubRecomputer{}
	pub := &capturingPublisher{}

	config := DefaultConfig()
	config.Throttle = 0

	return &sweepFixture{
		sweeper:   NewSweeper(log, students, recompute, pub, config, logger.Default()),
		log:       log,
		students:  students,
		recompute: recompute,
		pub:       pub,
	}
}

// ingestConsistent appends events to the log and folds them into a freshly
// saved snapshot, leaving the live state in agreement with the history.
func (f *sweepFixture) ingestConsistent(t *testing.T, studentID, classID string, events ...analytics.Event) *analytics.StudentSnapshot {
	t.Helper()
	ctx := context.Background()

	snap := analytics.NewStudentSnapshot(studentID, classID)
	for _, e := range events {
		inserted, err := f.log.Append(ctx, e)
		require.NoError(t, err)
		require.True(t, inserted)
		snap.Apply(e)
	}
	require.NoError(t, f.students.Save(ctx, snap, 0))
	return snap
}

func mastery(studentID, classID string, value float64, at time.Time) analytics.Event {
	return analytics.Event{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		ClassID:    classID,
		Kind:       analytics.KindMastery,
		ConceptID:  "loops",
		Value:      value,
		OccurredAt: at,
		RecordedAt: at,
	}
}

func TestReconcileStudent_ConsistentSnapshotUntouched(t *testing.T) {
	f := newSweepFixture(t)
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	f.ingestConsistent(t, studentID, classID,
		mastery(studentID, classID, 80, now.Add(-2*time.Minute)),
		mastery(studentID, classID, 60, now.Add(-time.Minute)),
	)

	outcome, err := f.sweeper.ReconcileStudent(context.Background(), studentID)
	require.NoError(t, err)
	assert.False(t, outcome.Corrected)
	assert.False(t, outcome.Skipped)
	assert.False(t, outcome.Drift.Exceeds(f.sweeper.config.Tolerance))

	snap, err := f.students.Get(context.Background(), studentID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version, "clean reconcile must not bump the version")
}

func TestReconcileStudent_CorrectsDriftFromMissedEvent(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	live := f.ingestConsistent(t, studentID, classID,
		mastery(studentID, classID, 80, now.Add(-3*time.Minute)),
	)

	// The log sees a second event that never reached the snapshot,
	// simulating a crash between append and apply.
	inserted, err := f.log.Append(ctx, mastery(studentID, classID, 40, now.Add(-time.Minute)))
	require.NoError(t, err)
	require.True(t, inserted)

	outcome, err := f.sweeper.ReconcileStudent(ctx, studentID)
	require.NoError(t, err)
	assert.True(t, outcome.Corrected)
	assert.True(t, outcome.Drift.CountsDiverge)

	snap, err := f.students.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MasteryCount)
	assert.InDelta(t, 60.0, snap.MasteryAverage, 0.01)
	assert.Equal(t, live.Version+1, snap.Version, "correction must land as one version bump")

	assert.Equal(t, 1, f.pub.count(shared.EventSnapshotReconciled))
}

func TestReconcileStudent_ClearsStaleAnomalyFlag(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	snap := f.ingestConsistent(t, studentID, classID,
		mastery(studentID, classID, 75, now.Add(-time.Minute)),
	)

	// Flag the row as if a clamped payload had passed through, without any
	// anomalous event surviving in the log.
	snap.Anomalous = true
	expected := snap.Version
	snap.Version++
	require.NoError(t, f.students.Save(ctx, snap, expected))

	outcome, err := f.sweeper.ReconcileStudent(ctx, studentID)
	require.NoError(t, err)
	assert.False(t, outcome.Corrected, "flag clearing is not a drift correction")

	reloaded, err := f.students.Get(ctx, studentID)
	require.NoError(t, err)
	assert.False(t, reloaded.Anomalous)
}

func TestReconcileStudent_MissingSnapshotIsNoop(t *testing.T) {
	f := newSweepFixture(t)

	outcome, err := f.sweeper.ReconcileStudent(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, outcome.Corrected)
}

func TestReconcileStudent_SkipsHistoryBeyondLookback(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	// One event older than the replay window, one recent. The snapshot is
	// correct (avg 75 over 2 events); a bare replay would see only the
	// recent event and rewrite it to avg 50 over 1.
	f.ingestConsistent(t, studentID, classID,
		mastery(studentID, classID, 100, now.Add(-100*24*time.Hour)),
		mastery(studentID, classID, 50, now.Add(-time.Minute)),
	)

	outcome, err := f.sweeper.ReconcileStudent(ctx, studentID)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.False(t, outcome.Corrected)

	snap, err := f.students.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MasteryCount)
	assert.InDelta(t, 75.0, snap.MasteryAverage, 0.01)
	assert.Equal(t, int64(2), snap.Version, "skip must not write")
	assert.Zero(t, f.pub.count(shared.EventSnapshotReconciled))

	report, err := f.sweeper.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Corrected)
}

func TestReconcileStudent_SkipsWhenLogWasPruned(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	studentID := uuid.NewString()
	classID := uuid.NewString()
	now := time.Now().UTC()

	// The snapshot absorbed two events but retention already dropped the
	// older one from the log, so the replay can only ever see one.
	snap := analytics.NewStudentSnapshot(studentID, classID)
	snap.Apply(mastery(studentID, classID, 100, now.Add(-120*24*time.Hour)))

	recent := mastery(studentID, classID, 50, now.Add(-time.Minute))
	inserted, err := f.log.Append(ctx, recent)
	require.NoError(t, err)
	require.True(t, inserted)
	snap.Apply(recent)
	require.NoError(t, f.students.Save(ctx, snap, 0))

	outcome, err := f.sweeper.ReconcileStudent(ctx, studentID)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.False(t, outcome.Corrected)

	reloaded, err := f.students.Get(ctx, studentID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.MasteryCount)
	assert.InDelta(t, 75.0, reloaded.MasteryAverage, 0.01)
	assert.Zero(t, f.pub.count(shared.EventSnapshotReconciled))
}

func TestSweepAll_CorrectsDriftedAndRefreshesClasses(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	classID := uuid.NewString()
	now := time.Now().UTC()

	cleanID := uuid.NewString()
	f.ingestConsistent(t, cleanID, classID, mastery(cleanID, classID, 90, now.Add(-time.Minute)))

	driftedID := uuid.NewString()
	f.ingestConsistent(t, driftedID, classID, mastery(driftedID, classID, 70, now.Add(-2*time.Minute)))
	inserted, err := f.log.Append(ctx, mastery(driftedID, classID, 30, now.Add(-time.Minute)))
	require.NoError(t, err)
	require.True(t, inserted)

	report, err := f.sweeper.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.StudentsChecked)
	assert.Equal(t, 1, report.Corrected)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.ClassesRefreshed)

	assert.Equal(t, []string{classID}, f.recompute.classes)
	assert.Equal(t, 1, f.pub.count(shared.EventSweepCompleted))
}

func TestReconcileClass_OnlyTouchesMembers(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	classA := uuid.NewString()
	classB := uuid.NewString()

	memberID := uuid.NewString()
	f.ingestConsistent(t, memberID, classA, mastery(memberID, classA, 70, now.Add(-2*time.Minute)))
	inserted, err := f.log.Append(ctx, mastery(memberID, classA, 50, now.Add(-time.Minute)))
	require.NoError(t, err)
	require.True(t, inserted)

	otherID := uuid.NewString()
	f.ingestConsistent(t, otherID, classB, mastery(otherID, classB, 85, now.Add(-time.Minute)))

	report, err := f.sweeper.ReconcileClass(ctx, classA)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StudentsChecked)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, []string{classA}, f.recompute.classes)
}
