package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLASS SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ClassSnapshotRepository implements analytics.ClassSnapshotRepository for
// PostgreSQL.
type ClassSnapshotRepository struct {
	conn *Connection
}

// NewClassSnapshotRepository creates a new ClassSnapshotRepository.
func NewClassSnapshotRepository(conn *Connection) *ClassSnapshotRepository {
	return &ClassSnapshotRepository{conn: conn}
}

// Get returns a class snapshot, or shared.ErrClassNotFound.
func (r *ClassSnapshotRepository) Get(ctx context.Context, classID string) (*analytics.ClassSnapshot, error) {
	query := `
		SELECT class_id, average_mastery, average_engagement, active_students,
			   total_students, projects_not_started, projects_in_progress,
			   projects_completed, concept_mastery, at_risk, version, computed_at
		FROM class_snapshots
		WHERE class_id = $1
	`

	var (
		snap        analytics.ClassSnapshot
		conceptJSON []byte
		atRiskJSON  []byte
	)

	err := r.conn.QueryRow(ctx, query, classID).Scan(
		&snap.ClassID,
		&snap.AverageMastery,
		&snap.AverageEngagement,
		&snap.ActiveStudents,
		&snap.TotalStudents,
		&snap.ProjectsNotStarted,
		&snap.ProjectsInProgress,
		&snap.ProjectsCompleted,
		&conceptJSON,
		&atRiskJSON,
		&snap.Version,
		&snap.ComputedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to get class snapshot: %w", err)
	}

	snap.ConceptMastery = make(map[string]analytics.ConceptStat)
	if len(conceptJSON) > 0 {
		if err := json.Unmarshal(conceptJSON, &snap.ConceptMastery); err != nil {
			return nil, fmt.Errorf("failed to unmarshal concept mastery: %w", err)
		}
	}
	if len(atRiskJSON) > 0 {
		if err := json.Unmarshal(atRiskJSON, &snap.AtRisk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal at-risk list: %w", err)
		}
	}

	return &snap, nil
}

// Save upserts a class snapshot. Recomputes are serialized per class by the
// aggregator, so last write wins is safe here.
func (r *ClassSnapshotRepository) Save(ctx context.Context, snap *analytics.ClassSnapshot) error {
	query := `
		INSERT INTO class_snapshots (
			class_id, average_mastery, average_engagement, active_students,
			total_students, projects_not_started, projects_in_progress,
			projects_completed, concept_mastery, at_risk, version, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (class_id) DO UPDATE SET
			average_mastery = EXCLUDED.average_mastery,
			average_engagement = EXCLUDED.average_engagement,
			active_students = EXCLUDED.active_students,
			total_students = EXCLUDED.total_students,
			projects_not_started = EXCLUDED.projects_not_started,
			projects_in_progress = EXCLUDED.projects_in_progress,
			projects_completed = EXCLUDED.projects_completed,
			concept_mastery = EXCLUDED.concept_mastery,
			at_risk = EXCLUDED.at_risk,
			version = EXCLUDED.version,
			computed_at = EXCLUDED.computed_at
	`

	conceptJSON, err := json.Marshal(snap.ConceptMastery)
	if err != nil {
		return fmt.Errorf("failed to marshal concept mastery: %w", err)
	}

	atRisk := snap.AtRisk
	if atRisk == nil {
		atRisk = []analytics.AtRiskStudent{}
	}
	atRiskJSON, err := json.Marshal(atRisk)
	if err != nil {
		return fmt.Errorf("failed to marshal at-risk list: %w", err)
	}

	_, err = r.conn.Exec(ctx, query,
		snap.ClassID,
		snap.AverageMastery,
		snap.AverageEngagement,
		snap.ActiveStudents,
		snap.TotalStudents,
		snap.ProjectsNotStarted,
		snap.ProjectsInProgress,
		snap.ProjectsCompleted,
		conceptJSON,
		atRiskJSON,
		snap.Version,
		snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save class snapshot: %w", err)
	}

	return nil
}

// ListClassIDs returns every class with either a computed snapshot or member
// student snapshots waiting for their first recompute.
func (r *ClassSnapshotRepository) ListClassIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT class_id FROM class_snapshots
		UNION
		SELECT DISTINCT class_id FROM student_snapshots
		ORDER BY class_id
	`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list class ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan class id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
