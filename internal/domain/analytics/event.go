package analytics

import (
	"math"
	"strings"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT KINDS
// ══════════════════════════════════════════════════════════════════════════════

// EventKind classifies a raw analytics event.
type EventKind string

const (
	// KindMastery is a graded attempt on a concept (score 0..100).
	KindMastery EventKind = "mastery"

	// KindEngagement is a participation signal (poll response, activity ping),
	// scored 0..100.
	KindEngagement EventKind = "engagement"

	// KindProjectStatus is a project-status change; the numeric payload
	// encodes the new status (see ProjectStatusFromValue).
	KindProjectStatus EventKind = "project_status"
)

// IsValid reports whether the kind is one of the known event kinds.
func (k EventKind) IsValid() bool {
	switch k {
	case KindMastery, KindEngagement, KindProjectStatus:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (k EventKind) String() string {
	return string(k)
}

// ParseEventKind parses a string into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", shared.ErrUnknownEventKind
	}
	return k, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROJECT STATUS
// ══════════════════════════════════════════════════════════════════════════════

// ProjectStatus is the latest-wins project state of a student.
type ProjectStatus string

const (
	StatusNotStarted ProjectStatus = "not_started"
	StatusInProgress ProjectStatus = "in_progress"
	StatusCompleted  ProjectStatus = "completed"
)

// IsValid reports whether the status is one of the known statuses.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s ProjectStatus) String() string {
	return string(s)
}

// ProjectStatusFromValue maps the numeric payload of a project_status event
// onto a ProjectStatus. Values outside the known range clamp to the nearest
// status; the second return reports whether the input was anomalous.
func ProjectStatusFromValue(v float64) (ProjectStatus, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return StatusNotStarted, true
	}
	switch n := int(math.Round(v)); {
	case n <= 0:
		return StatusNotStarted, n < 0
	case n == 1:
		return StatusInProgress, false
	case n == 2:
		return StatusCompleted, false
	default:
		return StatusCompleted, true
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT
// ══════════════════════════════════════════════════════════════════════════════

// Event is one immutable fact in the event log. Events are never updated or
// deleted (pruning aside); the log is the sole source of truth for snapshots.
//
// ID is the idempotency key: external writers retrying a delivery reuse the
// same ID, and re-application is a no-op.
type Event struct {
	// ID is the idempotency key of the event.
	ID string

	// StudentID identifies the student the fact belongs to.
	StudentID string

	// ClassID identifies the student's class at emission time.
	ClassID string

	// Kind classifies the event.
	Kind EventKind

	// ConceptID identifies the concept or activity (mastery events; optional).
	ConceptID string

	// Value is the numeric outcome: score, correctness, or status code.
	Value float64

	// ResponseTimeMS is the response latency in milliseconds, when the
	// emitting system measured one (0 = not measured).
	ResponseTimeMS int64

	// OccurredAt is when the underlying action happened (writer's clock).
	OccurredAt time.Time

	// RecordedAt is when the event entered the log (our clock).
	RecordedAt time.Time
}

// Validate checks structural validity. A structurally invalid event is the
// only ingestion input that surfaces as an error to the caller; everything
// else (duplicates, reordering, malformed numerics) degrades gracefully.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return shared.ErrEventMissingID
	}
	if strings.TrimSpace(e.StudentID) == "" {
		return shared.ErrEventMissingStudent
	}
	if e.Kind == "" {
		return shared.ErrEventMissingKind
	}
	if !e.Kind.IsValid() {
		return shared.ErrUnknownEventKind
	}
	return nil
}

// ProjectStatus decodes the status carried by a project_status event.
func (e Event) ProjectStatus() (ProjectStatus, bool) {
	return ProjectStatusFromValue(e.Value)
}

// SortEventsByOccurrence orders events oldest-first by OccurredAt, with
// RecordedAt and ID as tie-breakers so replay order is deterministic.
func SortEventsByOccurrence(events []Event) {
	sortEvents(events)
}
