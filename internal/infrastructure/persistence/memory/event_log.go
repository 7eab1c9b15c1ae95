// Package memory provides in-memory implementations of the analytics
// persistence interfaces. They back the development mode of the service and
// the application-layer tests; production deployments use the postgres and
// redis packages instead.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
)

// EventLog is an in-memory append-only event log keyed by event id.
type EventLog struct {
	mu     sync.RWMutex
	events map[string]analytics.Event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string]analytics.Event)}
}

// Append stores an event, reporting inserted=false on a duplicate id.
func (l *EventLog) Append(_ context.Context, e analytics.Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.events[e.ID]; ok {
		return false, nil
	}

	l.events[e.ID] = e
	return true, nil
}

// ListByStudent returns a student's events with OccurredAt >= since, oldest first.
func (l *EventLog) ListByStudent(_ context.Context, studentID string, since time.Time) ([]analytics.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []analytics.Event
	for _, e := range l.events {
		if e.StudentID == studentID && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}

	analytics.SortEventsByOccurrence(out)
	return out, nil
}

// CountByStudentBefore returns how many of a student's events occurred before
// the given time.
func (l *EventLog) CountByStudentBefore(_ context.Context, studentID string, before time.Time) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var n int64
	for _, e := range l.events {
		if e.StudentID == studentID && e.OccurredAt.Before(before) {
			n++
		}
	}

	return n, nil
}

// ListByClassSince returns a class's events of one kind with OccurredAt >= since.
func (l *EventLog) ListByClassSince(_ context.Context, classID string, kind analytics.EventKind, since time.Time) ([]analytics.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []analytics.Event
	for _, e := range l.events {
		if e.ClassID == classID && e.Kind == kind && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}

	analytics.SortEventsByOccurrence(out)
	return out, nil
}

// DeleteOlderThan prunes events with OccurredAt before the cutoff.
func (l *EventLog) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for id, e := range l.events {
		if e.OccurredAt.Before(cutoff) {
			delete(l.events, id)
			removed++
		}
	}

	return removed, nil
}

// Len reports the number of stored events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
