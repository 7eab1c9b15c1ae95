package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

type countingClassRepo struct {
	inner analytics.ClassSnapshotRepository
	calls atomic.Int64
	delay time.Duration

	mu      sync.Mutex
	failErr error
}

func (r *countingClassRepo) Get(ctx context.Context, classID string) (*analytics.ClassSnapshot, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	failErr := r.failErr
	r.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return r.inner.Get(ctx, classID)
}

func (r *countingClassRepo) Save(ctx context.Context, snap *analytics.ClassSnapshot) error {
	return r.inner.Save(ctx, snap)
}

func (r *countingClassRepo) ListClassIDs(ctx context.Context) ([]string, error) {
	return r.inner.ListClassIDs(ctx)
}

func (r *countingClassRepo) failWith(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

type fixture struct {
	mgr     *Manager
	cache   *memory.CacheStore
	classes *countingClassRepo
	events  *memory.EventLog
	classID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	students := memory.NewStudentSnapshotStore()
	classes := &countingClassRepo{inner: memory.NewClassSnapshotStore(students)}
	cache := memory.NewCacheStore()
	events := memory.NewEventLog()

	classID := uuid.NewString()
	require.NoError(t, classes.Save(context.Background(), &analytics.ClassSnapshot{
		ClassID:        classID,
		AverageMastery: 72,
		TotalStudents:  4,
		Version:        1,
		ComputedAt:     time.Now().UTC(),
	}))

	mgr := NewManager(cache, classes, events, nil, DefaultConfig(), logger.Default())
	return &fixture{mgr: mgr, cache: cache, classes: classes, events: events, classID: classID}
}

func TestGet_MissThenByteIdenticalHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacherID := uuid.NewString()

	first, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	callsAfterBuild := f.classes.calls.Load()

	second, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated hits must return byte-identical payloads")

	// A hit does one cheap version check, no rebuild.
	assert.Equal(t, callsAfterBuild+1, f.classes.calls.Load())
}

func TestGet_NeverComputedClassFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Get(context.Background(), uuid.NewString(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
}

func TestGet_RebuildsAfterVersionBump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacherID := uuid.NewString()

	first, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)

	snap, err := f.classes.Get(ctx, f.classID)
	require.NoError(t, err)
	snap.AverageMastery = 90
	snap.Version = 2
	require.NoError(t, f.classes.Save(ctx, snap))

	second, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "version bump must force a rebuild")
}

func TestGet_RebuildsAfterTTLExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacherID := uuid.NewString()

	_, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	builds := f.classes.calls.Load()

	// Jump past the TTL; version is unchanged but the entry has lapsed.
	f.mgr.now = func() time.Time { return time.Now().UTC().Add(DefaultConfig().TTL + time.Second) }

	_, err = f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	assert.Greater(t, f.classes.calls.Load(), builds+1, "expired entry must rebuild, not just version-check")
}

func TestHandleClassRecomputed_InvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacherID := uuid.NewString()

	_, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleClassRecomputed(shared.NewClassSnapshotRecomputedEvent(f.classID, 1, 4)))

	entry, err := f.cache.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)
	assert.True(t, entry.IsExpired(time.Now().UTC().Add(time.Millisecond)))
}

func TestGet_ServesStaleWhenRebuildFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacherID := uuid.NewString()

	first, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Invalidate(ctx, f.classID))
	f.classes.failWith(errors.New("backend down"))

	got, err := f.mgr.Get(ctx, teacherID, f.classID)
	require.NoError(t, err, "stale payload must be served when rebuild fails")
	assert.Equal(t, first, got)
}

func TestGet_SingleFlightSharesOneRebuild(t *testing.T) {
	f := newFixture(t)
	f.classes.delay = 50 * time.Millisecond
	ctx := context.Background()
	teacherID := uuid.NewString()

	const n = 10
	results := make([][]byte, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			payload, err := f.mgr.Get(ctx, teacherID, f.classID)
			assert.NoError(t, err)
			results[i] = payload
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), f.classes.calls.Load(), "concurrent cold reads must share one rebuild")
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestGet_LivePollBlockFromRecentEngagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := f.events.Append(ctx, analytics.Event{
			ID:         uuid.NewString(),
			StudentID:  uuid.NewString(),
			ClassID:    f.classID,
			Kind:       analytics.KindEngagement,
			Value:      80,
			OccurredAt: now.Add(-time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	payload, err := f.mgr.Get(ctx, uuid.NewString(), f.classID)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"live_poll"`)
	assert.Contains(t, string(payload), `"respondents":3`)
}
