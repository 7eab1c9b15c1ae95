// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these drive the event-driven architecture.
// Each event represents something significant that happened in the domain.
const (
	// Ingestion events
	EventApplied    EventType = "analytics.event_applied"
	EventDuplicate  EventType = "analytics.event_duplicate"
	EventOutOfOrder EventType = "analytics.event_out_of_order"

	// Snapshot events
	EventStudentSnapshotChanged  EventType = "analytics.student_snapshot_changed"
	EventClassSnapshotRecomputed EventType = "analytics.class_snapshot_recomputed"
	EventSnapshotReconciled      EventType = "analytics.snapshot_reconciled"

	// Cache events
	EventDashboardCacheInvalidated EventType = "dashboard.cache_invalidated"
	EventDashboardCacheRebuilt     EventType = "dashboard.cache_rebuilt"

	// System events
	EventSweepCompleted EventType = "system.sweep_completed"
	EventEventsPruned   EventType = "system.events_pruned"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// EventHandler processes a domain event. Returning an error signals delivery
// failure to the bus; the event itself is never "un-happened".
type EventHandler func(event Event) error

// EventPublisher publishes domain events to interested subscribers.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber registers handlers for domain events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Snapshot Events
// ═══════════════════════════════════════════════════════════════════════════

// StudentSnapshotChangedEvent is emitted after a student snapshot mutation.
// The class aggregator listens for this to schedule a class recompute.
type StudentSnapshotChangedEvent struct {
	BaseEvent
	StudentID string `json:"student_id"`
	ClassID   string `json:"class_id"`
	Version   int64  `json:"version"`
}

// NewStudentSnapshotChangedEvent creates a snapshot-changed event.
func NewStudentSnapshotChangedEvent(studentID, classID string, version int64) StudentSnapshotChangedEvent {
	return StudentSnapshotChangedEvent{
		BaseEvent: NewBaseEvent(EventStudentSnapshotChanged, studentID),
		StudentID: studentID,
		ClassID:   classID,
		Version:   version,
	}
}

// Payload implements Event interface.
func (e StudentSnapshotChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"class_id":   e.ClassID,
		"version":    e.Version,
	}
}

// ClassSnapshotRecomputedEvent is emitted after a class snapshot recompute.
// The dashboard cache manager listens for this to invalidate cached payloads.
type ClassSnapshotRecomputedEvent struct {
	BaseEvent
	ClassID       string `json:"class_id"`
	Version       int64  `json:"version"`
	TotalStudents int    `json:"total_students"`
}

// NewClassSnapshotRecomputedEvent creates a class-recomputed event.
func NewClassSnapshotRecomputedEvent(classID string, version int64, totalStudents int) ClassSnapshotRecomputedEvent {
	return ClassSnapshotRecomputedEvent{
		BaseEvent:     NewBaseEvent(EventClassSnapshotRecomputed, classID),
		ClassID:       classID,
		Version:       version,
		TotalStudents: totalStudents,
	}
}

// Payload implements Event interface.
func (e ClassSnapshotRecomputedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"class_id":       e.ClassID,
		"version":        e.Version,
		"total_students": e.TotalStudents,
	}
}

// SnapshotReconciledEvent is emitted when the sweeper overwrites a drifted
// snapshot. Divergence beyond tolerance is a correctness signal for the
// incremental path, so the drift magnitudes ride along for logging.
type SnapshotReconciledEvent struct {
	BaseEvent
	StudentID       string  `json:"student_id"`
	ClassID         string  `json:"class_id"`
	Version         int64   `json:"version"`
	MasteryDrift    float64 `json:"mastery_drift"`
	EngagementDrift float64 `json:"engagement_drift"`
}

// NewSnapshotReconciledEvent creates a reconciled event.
func NewSnapshotReconciledEvent(studentID, classID string, version int64, masteryDrift, engagementDrift float64) SnapshotReconciledEvent {
	return SnapshotReconciledEvent{
		BaseEvent:       NewBaseEvent(EventSnapshotReconciled, studentID),
		StudentID:       studentID,
		ClassID:         classID,
		Version:         version,
		MasteryDrift:    masteryDrift,
		EngagementDrift: engagementDrift,
	}
}

// Payload implements Event interface.
func (e SnapshotReconciledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":       e.StudentID,
		"class_id":         e.ClassID,
		"version":          e.Version,
		"mastery_drift":    e.MasteryDrift,
		"engagement_drift": e.EngagementDrift,
	}
}

// DashboardCacheInvalidatedEvent is emitted when a class's cached payloads
// are explicitly invalidated.
type DashboardCacheInvalidatedEvent struct {
	BaseEvent
	ClassID string `json:"class_id"`
	Version int64  `json:"version"`
}

// NewDashboardCacheInvalidatedEvent creates a cache-invalidated event.
func NewDashboardCacheInvalidatedEvent(classID string, version int64) DashboardCacheInvalidatedEvent {
	return DashboardCacheInvalidatedEvent{
		BaseEvent: NewBaseEvent(EventDashboardCacheInvalidated, classID),
		ClassID:   classID,
		Version:   version,
	}
}

// Payload implements Event interface.
func (e DashboardCacheInvalidatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"class_id": e.ClassID,
		"version":  e.Version,
	}
}
