// Package aggregate implements the class aggregator: it turns bursts of
// student snapshot changes into at most one class recompute per debounce
// window, then publishes the recompute so dashboard caches invalidate.
package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
)

// Config tunes the aggregator.
type Config struct {
	// DebounceWindow is how long a class recompute is deferred after the
	// first snapshot change. Further changes inside the window coalesce into
	// the same recompute, which also bounds staleness at one window.
	DebounceWindow time.Duration

	// RecomputeTimeout bounds a single class recompute.
	RecomputeTimeout time.Duration

	// Recompute carries the activity window and at-risk thresholds.
	Recompute analytics.RecomputeOptions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:   250 * time.Millisecond,
		RecomputeTimeout: 10 * time.Second,
		Recompute:        analytics.DefaultRecomputeOptions(),
	}
}

// Aggregator derives class snapshots from member student snapshots.
// Recomputes for the same class are serialized; different classes run
// concurrently.
type Aggregator struct {
	students  analytics.StudentSnapshotRepository
	classes   analytics.ClassSnapshotRepository
	publisher shared.EventPublisher
	config    Config
	log       *logger.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	locks   map[string]*sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewAggregator creates a class aggregator.
func NewAggregator(
	students analytics.StudentSnapshotRepository,
	classes analytics.ClassSnapshotRepository,
	publisher shared.EventPublisher,
	config Config,
	log *logger.Logger,
) *Aggregator {
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = DefaultConfig().DebounceWindow
	}
	if config.RecomputeTimeout <= 0 {
		config.RecomputeTimeout = DefaultConfig().RecomputeTimeout
	}

	return &Aggregator{
		students:  students,
		classes:   classes,
		publisher: publisher,
		config:    config,
		log:       log.With(logger.Component("aggregate")),
		pending:   make(map[string]*time.Timer),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Subscribe wires the aggregator to snapshot-changed events on the bus.
func (a *Aggregator) Subscribe(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventStudentSnapshotChanged, a.HandleSnapshotChanged)
}

// HandleSnapshotChanged schedules a debounced recompute for the class named
// in the event. Works with both typed local events and envelope-reconstructed
// remote events, so it reads the payload map.
func (a *Aggregator) HandleSnapshotChanged(event shared.Event) error {
	classID, ok := event.Payload()["class_id"].(string)
	if !ok || classID == "" {
		a.log.Warn("snapshot change without class id", logger.String("aggregate_id", event.AggregateID()))
		return nil
	}

	a.Schedule(classID)
	return nil
}

// Schedule requests a recompute for the class. The first request in a quiet
// period arms the debounce timer; requests while the timer is armed coalesce
// into the recompute it will run. The recompute reads snapshot state at fire
// time, so every coalesced change is reflected.
func (a *Aggregator) Schedule(classID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if _, armed := a.pending[classID]; armed {
		return
	}

	a.wg.Add(1)
	a.pending[classID] = time.AfterFunc(a.config.DebounceWindow, func() {
		defer a.wg.Done()

		a.mu.Lock()
		delete(a.pending, classID)
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.config.RecomputeTimeout)
		defer cancel()

		if _, err := a.Recompute(ctx, classID); err != nil {
			a.log.Error("class recompute failed", logger.ClassID(classID), logger.Err(err))
		}
	})
}

// Recompute derives the class snapshot immediately, bypassing the debounce.
// The sweeper and tests call this directly.
func (a *Aggregator) Recompute(ctx context.Context, classID string) (*analytics.ClassSnapshot, error) {
	lock := a.classLock(classID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	var priorVersion int64
	if prior, err := a.classes.Get(ctx, classID); err == nil {
		priorVersion = prior.Version
	} else if !shared.IsNotFound(err) {
		return nil, shared.WrapError("analytics", "aggregate.Recompute", shared.ErrServiceUnavailable, "load prior class snapshot", err)
	}

	members, err := a.students.ListByClass(ctx, classID)
	if err != nil {
		return nil, shared.WrapError("analytics", "aggregate.Recompute", shared.ErrServiceUnavailable, "list member snapshots", err)
	}

	snap := analytics.ComputeClassSnapshot(classID, members, a.config.Recompute)
	snap.Version = priorVersion + 1

	if err := a.classes.Save(ctx, snap); err != nil {
		return nil, shared.WrapError("analytics", "aggregate.Recompute", shared.ErrServiceUnavailable, "save class snapshot", err)
	}

	a.publish(shared.NewClassSnapshotRecomputedEvent(classID, snap.Version, snap.TotalStudents))

	a.log.Debug("class recomputed",
		logger.ClassID(classID),
		logger.Version(snap.Version),
		logger.Int("total_students", snap.TotalStudents),
		logger.Latency(time.Since(start)),
	)

	return snap, nil
}

// Close cancels pending debounce timers and waits for in-flight recomputes.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for classID, timer := range a.pending {
		if timer.Stop() {
			a.wg.Done()
		}
		delete(a.pending, classID)
	}
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Aggregator) classLock(classID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[classID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[classID] = lock
	}
	return lock
}

func (a *Aggregator) publish(event shared.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(event); err != nil {
		a.log.Warn("publish failed", logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}
