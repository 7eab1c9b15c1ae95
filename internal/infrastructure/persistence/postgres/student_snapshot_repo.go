package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// StudentSnapshotRepository implements analytics.StudentSnapshotRepository
// for PostgreSQL.
type StudentSnapshotRepository struct {
	conn *Connection
}

// NewStudentSnapshotRepository creates a new StudentSnapshotRepository.
func NewStudentSnapshotRepository(conn *Connection) *StudentSnapshotRepository {
	return &StudentSnapshotRepository{conn: conn}
}

const studentSnapshotColumns = `
	student_id, class_id, mastery_average, mastery_count,
	engagement_score, engagement_count, concept_mastery,
	project_status, project_status_at, response_count,
	avg_response_ms, response_samples, last_activity_at,
	version, anomalous, updated_at
`

// Get returns a student's snapshot, or shared.ErrSnapshotNotFound.
func (r *StudentSnapshotRepository) Get(ctx context.Context, studentID string) (*analytics.StudentSnapshot, error) {
	query := "SELECT " + studentSnapshotColumns + " FROM student_snapshots WHERE student_id = $1"

	snap, err := r.scanSnapshot(r.conn.QueryRow(ctx, query, studentID))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get student snapshot: %w", err)
	}

	return snap, nil
}

// Save upserts a snapshot guarded by an optimistic version check. The insert
// arm fires only for version 0 rows (new students); the update arm's WHERE
// clause rejects writes whose loaded version is stale.
func (r *StudentSnapshotRepository) Save(ctx context.Context, snap *analytics.StudentSnapshot, expectedVersion int64) error {
	conceptJSON, err := json.Marshal(snap.ConceptMastery)
	if err != nil {
		return fmt.Errorf("failed to marshal concept mastery: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO student_snapshots (` + studentSnapshotColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`
		_, err := r.conn.Exec(ctx, query,
			snap.StudentID,
			snap.ClassID,
			snap.MasteryAverage,
			snap.MasteryCount,
			snap.EngagementScore,
			snap.EngagementCount,
			conceptJSON,
			string(snap.ProjectStatus),
			snap.ProjectStatusAt,
			snap.ResponseCount,
			snap.AverageResponseMS,
			snap.ResponseTimeSamples(),
			snap.LastActivityAt,
			snap.Version,
			snap.Anomalous,
			updatedAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return shared.ErrSnapshotConflict
			}
			return fmt.Errorf("failed to insert student snapshot: %w", err)
		}
		return nil
	}

	query := `
		UPDATE student_snapshots SET
			class_id = $1,
			mastery_average = $2,
			mastery_count = $3,
			engagement_score = $4,
			engagement_count = $5,
			concept_mastery = $6,
			project_status = $7,
			project_status_at = $8,
			response_count = $9,
			avg_response_ms = $10,
			response_samples = $11,
			last_activity_at = $12,
			version = $13,
			anomalous = $14,
			updated_at = $15
		WHERE student_id = $16 AND version = $17
	`

	tag, err := r.conn.Exec(ctx, query,
		snap.ClassID,
		snap.MasteryAverage,
		snap.MasteryCount,
		snap.EngagementScore,
		snap.EngagementCount,
		conceptJSON,
		string(snap.ProjectStatus),
		snap.ProjectStatusAt,
		snap.ResponseCount,
		snap.AverageResponseMS,
		snap.ResponseTimeSamples(),
		snap.LastActivityAt,
		snap.Version,
		snap.Anomalous,
		updatedAt,
		snap.StudentID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update student snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrSnapshotConflict
	}

	return nil
}

// ListByClass returns all member snapshots of a class.
func (r *StudentSnapshotRepository) ListByClass(ctx context.Context, classID string) ([]*analytics.StudentSnapshot, error) {
	query := "SELECT " + studentSnapshotColumns + ` FROM student_snapshots
		WHERE class_id = $1 ORDER BY student_id`

	rows, err := r.conn.Query(ctx, query, classID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots by class: %w", err)
	}
	defer rows.Close()

	var snaps []*analytics.StudentSnapshot
	for rows.Next() {
		snap, err := r.scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// ListStudentIDs returns every student id, anomalous rows first so the
// sweeper re-derives flagged snapshots before clean ones.
func (r *StudentSnapshotRepository) ListStudentIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT student_id FROM student_snapshots
		ORDER BY anomalous DESC, student_id
	`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list student ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *StudentSnapshotRepository) scanSnapshot(row rowScanner) (*analytics.StudentSnapshot, error) {
	var (
		snap            analytics.StudentSnapshot
		conceptJSON     []byte
		projectStatus   string
		responseSamples int
	)

	if err := row.Scan(
		&snap.StudentID,
		&snap.ClassID,
		&snap.MasteryAverage,
		&snap.MasteryCount,
		&snap.EngagementScore,
		&snap.EngagementCount,
		&conceptJSON,
		&projectStatus,
		&snap.ProjectStatusAt,
		&snap.ResponseCount,
		&snap.AverageResponseMS,
		&responseSamples,
		&snap.LastActivityAt,
		&snap.Version,
		&snap.Anomalous,
		&snap.UpdatedAt,
	); err != nil {
		return nil, err
	}

	snap.ProjectStatus = analytics.ProjectStatus(projectStatus)
	snap.SetResponseTimeSamples(responseSamples)

	snap.ConceptMastery = make(map[string]analytics.ConceptStat)
	if len(conceptJSON) > 0 {
		if err := json.Unmarshal(conceptJSON, &snap.ConceptMastery); err != nil {
			return nil, fmt.Errorf("failed to unmarshal concept mastery: %w", err)
		}
	}

	return &snap, nil
}
