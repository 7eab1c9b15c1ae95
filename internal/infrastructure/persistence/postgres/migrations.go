package postgres

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_analytics_events",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_student_snapshots",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_class_snapshots",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
		{
			Version: 4,
			Name:    "create_dashboard_cache",
			UpSQL:   migration004Up,
			DownSQL: migration004Down,
		},
	}
}

// Migration 001: the append-only event log. The primary key on event id is
// what makes at-least-once delivery safe: redelivered events insert as
// ON CONFLICT DO NOTHING.
const migration001Up = `
CREATE TABLE IF NOT EXISTS analytics_events (
    id               UUID PRIMARY KEY,
    student_id       UUID NOT NULL,
    class_id         UUID NOT NULL,
    kind             TEXT NOT NULL CHECK (kind IN ('mastery', 'engagement', 'project_status')),
    concept_id       TEXT NOT NULL DEFAULT '',
    value            DOUBLE PRECISION NOT NULL,
    response_time_ms BIGINT NOT NULL DEFAULT 0,
    occurred_at      TIMESTAMPTZ NOT NULL,
    recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_events_student_occurred
    ON analytics_events (student_id, occurred_at);

CREATE INDEX IF NOT EXISTS idx_events_class_kind_occurred
    ON analytics_events (class_id, kind, occurred_at);

CREATE INDEX IF NOT EXISTS idx_events_occurred
    ON analytics_events (occurred_at);
`

const migration001Down = `
DROP TABLE IF EXISTS analytics_events;
`

// Migration 002: per-student snapshots. The version column backs the
// optimistic concurrency check shared by the ingest and sweeper writers.
const migration002Up = `
CREATE TABLE IF NOT EXISTS student_snapshots (
    student_id           UUID PRIMARY KEY,
    class_id             UUID NOT NULL,
    mastery_average      DOUBLE PRECISION NOT NULL DEFAULT 0,
    mastery_count        INTEGER NOT NULL DEFAULT 0,
    engagement_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    engagement_count     INTEGER NOT NULL DEFAULT 0,
    concept_mastery      JSONB NOT NULL DEFAULT '{}',
    project_status       TEXT NOT NULL DEFAULT 'not_started',
    project_status_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    response_count       INTEGER NOT NULL DEFAULT 0,
    avg_response_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
    response_samples     INTEGER NOT NULL DEFAULT 0,
    last_activity_at     TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    version              BIGINT NOT NULL DEFAULT 0,
    anomalous            BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_student_snapshots_class
    ON student_snapshots (class_id);

CREATE INDEX IF NOT EXISTS idx_student_snapshots_anomalous
    ON student_snapshots (anomalous) WHERE anomalous;
`

const migration002Down = `
DROP TABLE IF EXISTS student_snapshots;
`

// Migration 003: per-class snapshots, replaced wholesale on every recompute.
const migration003Up = `
CREATE TABLE IF NOT EXISTS class_snapshots (
    class_id             UUID PRIMARY KEY,
    average_mastery      DOUBLE PRECISION NOT NULL DEFAULT 0,
    average_engagement   DOUBLE PRECISION NOT NULL DEFAULT 0,
    active_students      INTEGER NOT NULL DEFAULT 0,
    total_students       INTEGER NOT NULL DEFAULT 0,
    projects_not_started INTEGER NOT NULL DEFAULT 0,
    projects_in_progress INTEGER NOT NULL DEFAULT 0,
    projects_completed   INTEGER NOT NULL DEFAULT 0,
    concept_mastery      JSONB NOT NULL DEFAULT '{}',
    at_risk              JSONB NOT NULL DEFAULT '[]',
    version              BIGINT NOT NULL DEFAULT 0,
    computed_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const migration003Down = `
DROP TABLE IF EXISTS class_snapshots;
`

// Migration 004: the dashboard cache's durable tier. Redis is the hot tier;
// this table survives Redis restarts and feeds the stale-fallback path.
const migration004Up = `
CREATE TABLE IF NOT EXISTS dashboard_cache (
    teacher_id    UUID NOT NULL,
    class_id      UUID NOT NULL,
    payload       JSONB NOT NULL,
    class_version BIGINT NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (teacher_id, class_id)
);

CREATE INDEX IF NOT EXISTS idx_dashboard_cache_class
    ON dashboard_cache (class_id);
`

const migration004Down = `
DROP TABLE IF EXISTS dashboard_cache;
`
