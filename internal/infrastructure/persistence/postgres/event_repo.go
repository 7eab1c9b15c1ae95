package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT LOG IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository implements analytics.EventLog for PostgreSQL.
type EventRepository struct {
	conn *Connection
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(conn *Connection) *EventRepository {
	return &EventRepository{conn: conn}
}

// Append inserts an event, reporting inserted=false on a duplicate id.
// ON CONFLICT DO NOTHING makes redelivery a no-op at the storage layer.
func (r *EventRepository) Append(ctx context.Context, e analytics.Event) (bool, error) {
	query := `
		INSERT INTO analytics_events (
			id, student_id, class_id, kind, concept_id, value,
			response_time_ms, occurred_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	recordedAt := e.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	tag, err := r.conn.Exec(ctx, query,
		e.ID,
		e.StudentID,
		e.ClassID,
		string(e.Kind),
		e.ConceptID,
		e.Value,
		e.ResponseTimeMS,
		e.OccurredAt,
		recordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListByStudent returns a student's events with occurred_at >= since, oldest first.
func (r *EventRepository) ListByStudent(ctx context.Context, studentID string, since time.Time) ([]analytics.Event, error) {
	query := `
		SELECT id, student_id, class_id, kind, concept_id, value,
			   response_time_ms, occurred_at, recorded_at
		FROM analytics_events
		WHERE student_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at, recorded_at, id
	`

	rows, err := r.conn.Query(ctx, query, studentID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by student: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountByStudentBefore returns how many of a student's events have
// occurred_at before the given time.
func (r *EventRepository) CountByStudentBefore(ctx context.Context, studentID string, before time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM analytics_events
		WHERE student_id = $1 AND occurred_at < $2
	`

	var n int64
	if err := r.conn.QueryRow(ctx, query, studentID, before).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events before cutoff: %w", err)
	}

	return n, nil
}

// ListByClassSince returns a class's events of one kind with occurred_at >= since.
func (r *EventRepository) ListByClassSince(ctx context.Context, classID string, kind analytics.EventKind, since time.Time) ([]analytics.Event, error) {
	query := `
		SELECT id, student_id, class_id, kind, concept_id, value,
			   response_time_ms, occurred_at, recorded_at
		FROM analytics_events
		WHERE class_id = $1 AND kind = $2 AND occurred_at >= $3
		ORDER BY occurred_at, recorded_at, id
	`

	rows, err := r.conn.Query(ctx, query, classID, string(kind), since)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by class: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeleteOlderThan prunes events with occurred_at before the cutoff.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx, "DELETE FROM analytics_events WHERE occurred_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanEvents(rows pgx.Rows) ([]analytics.Event, error) {
	var events []analytics.Event
	for rows.Next() {
		var (
			e    analytics.Event
			kind string
		)
		if err := rows.Scan(
			&e.ID,
			&e.StudentID,
			&e.ClassID,
			&kind,
			&e.ConceptID,
			&e.Value,
			&e.ResponseTimeMS,
			&e.OccurredAt,
			&e.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Kind = analytics.EventKind(kind)
		events = append(events, e)
	}

	return events, rows.Err()
}
