package aggregate

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

func newTestAggregator(t *testing.T, debounce time.Duration) (*Aggregator, *memory.StudentSnapshotStore, *memory.ClassSnapshotStore, *capturingPublisher) {
	t.Helper()
	students := memory.NewStudentSnapshotStore()
	classes := memory.NewClassSnapshotStore(students)
	pub := &capturingPublisher{}
	config := DefaultConfig()
	config.DebounceWindow = debounce
	agg := NewAggregator(students, classes, pub, config, logger.Default())
	t.Cleanup(agg.Close)
	return agg, students, classes, pub
}

func seedStudent(t *testing.T, store *memory.StudentSnapshotStore, classID string, mastery float64) string {
	t.Helper()
	snap := analytics.NewStudentSnapshot(uuid.NewString(), classID)
	snap.Apply(analytics.Event{
		ID:         uuid.NewString(),
		StudentID:  snap.StudentID,
		ClassID:    classID,
		Kind:       analytics.KindMastery,
		Value:      mastery,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, store.Save(context.Background(), snap, 0))
	return snap.StudentID
}

func TestRecompute_DerivesClassFromMembers(t *testing.T) {
	agg, students, classes, pub := newTestAggregator(t, time.Hour)
	classID := uuid.NewString()

	seedStudent(t, students, classID, 80)
	seedStudent(t, students, classID, 60)

	snap, err := agg.Recompute(context.Background(), classID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalStudents)
	assert.InDelta(t, 70.0, snap.AverageMastery, 0.01)
	assert.Equal(t, int64(1), snap.Version)

	stored, err := classes.Get(context.Background(), classID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 1, pub.count(shared.EventClassSnapshotRecomputed))
}

func TestRecompute_VersionIncrementsPerRecompute(t *testing.T) {
	agg, students, _, _ := newTestAggregator(t, time.Hour)
	classID := uuid.NewString()
	seedStudent(t, students, classID, 75)

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		snap, err := agg.Recompute(ctx, classID)
		require.NoError(t, err)
		assert.Equal(t, want, snap.Version)
	}
}

func TestRecompute_EmptyClassYieldsZeroSnapshot(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t, time.Hour)

	snap, err := agg.Recompute(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Zero(t, snap.TotalStudents)
	assert.Zero(t, snap.AverageMastery)
	assert.Equal(t, int64(1), snap.Version)
}

func TestSchedule_CoalescesBurstIntoOneRecompute(t *testing.T) {
	agg, students, classes, pub := newTestAggregator(t, 50*time.Millisecond)
	classID := uuid.NewString()

	for i := 0; i < 30; i++ {
		seedStudent(t, students, classID, float64(50+i))
		agg.Schedule(classID)
	}

	require.Eventually(t, func() bool {
		_, err := classes.Get(context.Background(), classID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Give a straggler recompute time to show up if coalescing were broken.
	time.Sleep(150 * time.Millisecond)

	stored, err := classes.Get(context.Background(), classID)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.TotalStudents, "recompute must reflect every coalesced change")
	assert.Equal(t, int64(1), stored.Version, "burst must produce exactly one recompute")
	assert.Equal(t, 1, pub.count(shared.EventClassSnapshotRecomputed))
}

func TestHandleSnapshotChanged_SchedulesByPayloadClassID(t *testing.T) {
	agg, students, classes, _ := newTestAggregator(t, 20*time.Millisecond)
	classID := uuid.NewString()
	studentID := seedStudent(t, students, classID, 90)

	err := agg.HandleSnapshotChanged(shared.NewStudentSnapshotChangedEvent(studentID, classID, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := classes.Get(context.Background(), classID)
		return err == nil && snap.TotalStudents == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSnapshotChanged_IgnoresMalformedPayload(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t, 20*time.Millisecond)

	err := agg.HandleSnapshotChanged(shared.NewDashboardCacheInvalidatedEvent("", 0))
	assert.NoError(t, err)
}

func TestClose_StopsPendingTimers(t *testing.T) {
	agg, students, classes, _ := newTestAggregator(t, time.Hour)
	classID := uuid.NewString()
	seedStudent(t, students, classID, 80)

	agg.Schedule(classID)
	agg.Close()

	_, err := classes.Get(context.Background(), classID)
	assert.True(t, shared.IsNotFound(err), "recompute must not run after close")
}
