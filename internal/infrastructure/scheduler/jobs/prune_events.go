package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRUNE EVENTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// PruneEventsJob deletes events older than the retention horizon from the
// durable event log.
//
// Retention must never be shorter than the reconciliation lookback: the sweep
// replays history against live snapshots, and pruned events would make a
// correct snapshot look drifted.
type PruneEventsJob struct {
	events    analytics.EventLog
	publisher shared.EventPublisher
	logger    *slog.Logger
	config    PruneEventsConfig
}

// PruneEventsConfig contains configuration for the prune job.
type PruneEventsConfig struct {
	// Retention is how long events are kept.
	Retention time.Duration

	// Timeout bounds one prune run.
	Timeout time.Duration
}

// DefaultPruneEventsConfig returns sensible defaults. The 90-day retention
// leaves triple the default reconciliation lookback.
func DefaultPruneEventsConfig() PruneEventsConfig {
	return PruneEventsConfig{
		Retention: 90 * 24 * time.Hour,
		Timeout:   5 * time.Minute,
	}
}

// NewPruneEventsJob creates the prune job.
func NewPruneEventsJob(
	events analytics.EventLog,
	publisher shared.EventPublisher,
	logger *slog.Logger,
	config PruneEventsConfig,
) *PruneEventsJob {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultPruneEventsConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &PruneEventsJob{
		events:    events,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

// Name returns the unique job name.
func (j *PruneEventsJob) Name() string {
	return "prune_events"
}

// Description returns a human-readable description.
func (j *PruneEventsJob) Description() string {
	return "Deletes learning events older than the retention horizon"
}

// Run executes one prune pass.
func (j *PruneEventsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	cutoff := timeutil.Now().Add(-j.config.Retention)

	deleted, err := j.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}

	if deleted > 0 && j.publisher != nil {
		if err := j.publisher.Publish(eventsPrunedEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventEventsPruned, "event-log"),
			deleted:   deleted,
			cutoff:    cutoff,
		}); err != nil {
			j.logger.Warn("failed to publish prune event", "error", err)
		}
	}

	j.logger.Info("event log pruned",
		"deleted", deleted,
		"cutoff", cutoff.Format(time.RFC3339),
	)

	return nil
}

// eventsPrunedEvent signals that old events were removed from the log.
type eventsPrunedEvent struct {
	shared.BaseEvent
	deleted int64
	cutoff  time.Time
}

func (e eventsPrunedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"deleted": e.deleted,
		"cutoff":  e.cutoff.Format(time.RFC3339),
	}
}
