// Package dashboard implements the cache manager between class snapshots and
// the teacher-facing payload. Reads are version-checked against the upstream
// class snapshot; rebuilds are deduplicated with singleflight and guarded by
// a circuit breaker, with the stale payload as the degraded answer.
package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/circuitbreaker"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
)

// Config tunes the cache manager.
type Config struct {
	// TTL is the cache entry lifetime. Entries are also invalidated
	// explicitly on class recompute, so the TTL is a staleness backstop for
	// missed invalidations.
	TTL time.Duration

	// RebuildWait bounds how long a request waits on an in-flight rebuild
	// before falling back to the stale payload.
	RebuildWait time.Duration

	// PollWindow is the lookback for the live-poll block.
	PollWindow time.Duration

	// DisableLivePolls drops the live-poll block from payloads.
	DisableLivePolls bool

	// DisableStaleFallback turns expired payloads into hard errors instead
	// of degraded answers.
	DisableStaleFallback bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Second,
		RebuildWait: 5 * time.Second,
		PollWindow:  2 * time.Minute,
	}
}

// Manager serves dashboard payloads from cache, rebuilding on miss or
// staleness. Repeated hits return the stored bytes unchanged, so two requests
// against the same entry get byte-identical bodies.
type Manager struct {
	cache     analytics.DashboardCacheStore
	classes   analytics.ClassSnapshotRepository
	events    analytics.EventLog
	publisher shared.EventPublisher
	config    Config
	log       *logger.Logger

	group   singleflight.Group
	breaker *circuitbreaker.CircuitBreaker

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a dashboard cache manager.
func NewManager(
	cache analytics.DashboardCacheStore,
	classes analytics.ClassSnapshotRepository,
	events analytics.EventLog,
	publisher shared.EventPublisher,
	config Config,
	log *logger.Logger,
) *Manager {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RebuildWait <= 0 {
		config.RebuildWait = defaults.RebuildWait
	}
	if config.PollWindow <= 0 {
		config.PollWindow = defaults.PollWindow
	}

	mgr := &Manager{
		cache:     cache,
		classes:   classes,
		events:    events,
		publisher: publisher,
		config:    config,
		log:       log.With(logger.Component("dashboard")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	mgr.breaker = circuitbreaker.RebuildBreaker(func(name string, from, to circuitbreaker.State) {
		mgr.log.Warn("rebuild breaker state change",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	return mgr
}

// Subscribe wires cache invalidation to class recompute events on the bus.
func (m *Manager) Subscribe(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventClassSnapshotRecomputed, m.HandleClassRecomputed)
}

// HandleClassRecomputed invalidates the class's cached payloads after a
// recompute.
func (m *Manager) HandleClassRecomputed(event shared.Event) error {
	classID, ok := event.Payload()["class_id"].(string)
	if !ok || classID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Invalidate(ctx, classID)
}

// Get returns the serialized dashboard payload for a teacher's view of a
// class. Cache hits are served without touching snapshot math; stale or
// missing entries trigger a rebuild. When the rebuild path is unavailable and
// a prior payload exists, the stale payload is served rather than an error.
func (m *Manager) Get(ctx context.Context, teacherID, classID string) ([]byte, error) {
	now := m.now()

	var stale *analytics.CacheEntry
	entry, err := m.cache.Get(ctx, teacherID, classID)
	switch {
	case err == nil:
		upstream, verr := m.classes.Get(ctx, classID)
		if verr == nil && entry.IsCurrent(upstream.Version, now) {
			return entry.Payload, nil
		}
		// Keep the old bytes around as the degraded answer.
		stale = entry
	case shared.IsNotFound(err):
		// First request for this key.
	default:
		return nil, shared.WrapError("dashboard", "Get", shared.ErrServiceUnavailable, "read cache", err)
	}

	payload, err := m.rebuild(ctx, teacherID, classID)
	if err == nil {
		return payload, nil
	}

	if stale != nil && !m.config.DisableStaleFallback {
		m.log.Warn("serving stale dashboard payload",
			logger.TeacherID(teacherID),
			logger.ClassID(classID),
			logger.Err(err),
		)
		return stale.Payload, nil
	}

	if shared.IsNotFound(err) {
		return nil, err
	}
	return nil, shared.WrapError("dashboard", "Get", shared.ErrServiceUnavailable, "payload has never been computed and rebuild failed", err)
}

// Invalidate expires every cached payload for the class and announces it.
func (m *Manager) Invalidate(ctx context.Context, classID string) error {
	if err := m.cache.InvalidateClass(ctx, classID); err != nil {
		return shared.WrapError("dashboard", "Invalidate", shared.ErrServiceUnavailable, "invalidate class entries", err)
	}

	var version int64
	if snap, err := m.classes.Get(ctx, classID); err == nil {
		version = snap.Version
	}

	m.publish(shared.NewDashboardCacheInvalidatedEvent(classID, version))
	m.log.Debug("cache invalidated", logger.ClassID(classID), logger.Version(version))
	return nil
}

// rebuild computes, stores, and returns a fresh payload. Concurrent requests
// for the same key share one rebuild; waiters that outlast RebuildWait give
// up and let the caller fall back to stale.
func (m *Manager) rebuild(ctx context.Context, teacherID, classID string) ([]byte, error) {
	key := teacherID + "|" + classID

	resCh := m.group.DoChan(key, func() (interface{}, error) {
		var payload []byte
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var berr error
			payload, berr = m.buildAndStore(ctx, teacherID, classID)
			return berr
		})
		return payload, err
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-time.After(m.config.RebuildWait):
		return nil, shared.ErrRebuildTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) buildAndStore(ctx context.Context, teacherID, classID string) ([]byte, error) {
	start := m.now()

	class, err := m.classes.Get(ctx, classID)
	if err != nil {
		// Never computed: genuinely nothing to serve.
		return nil, err
	}

	var recent []analytics.Event
	if !m.config.DisableLivePolls {
		recent, err = m.events.ListByClassSince(ctx, classID, analytics.KindEngagement, start.Add(-m.config.PollWindow))
		if err != nil {
			m.log.Warn("live poll scan failed", logger.ClassID(classID), logger.Err(err))
			recent = nil
		}
	}

	payload := analytics.BuildDashboardPayload(teacherID, class, recent, m.config.PollWindow, start)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	entry := &analytics.CacheEntry{
		TeacherID:    teacherID,
		ClassID:      classID,
		Payload:      data,
		ClassVersion: class.Version,
		ExpiresAt:    start.Add(m.config.TTL),
		CreatedAt:    start,
	}
	if err := m.cache.Put(ctx, entry); err != nil {
		return nil, err
	}

	m.publish(cacheRebuiltEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventDashboardCacheRebuilt, classID),
		TeacherID: teacherID,
		ClassID:   classID,
		Version:   class.Version,
	})

	m.log.Debug("dashboard payload rebuilt",
		logger.TeacherID(teacherID),
		logger.ClassID(classID),
		logger.Version(class.Version),
		logger.Latency(m.now().Sub(start)),
	)

	return data, nil
}

// BreakerOpen reports whether the rebuild breaker is currently rejecting
// rebuilds. Exposed for health reporting.
func (m *Manager) BreakerOpen() bool {
	return m.breaker.IsOpen()
}

func (m *Manager) publish(event shared.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(event); err != nil {
		m.log.Warn("publish failed", logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}

// cacheRebuiltEvent announces a fresh payload for a (teacher, class) key.
type cacheRebuiltEvent struct {
	shared.BaseEvent
	TeacherID string `json:"teacher_id"`
	ClassID   string `json:"class_id"`
	Version   int64  `json:"version"`
}

func (e cacheRebuiltEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"teacher_id": e.TeacherID,
		"class_id":   e.ClassID,
		"version":    e.Version,
	}
}
