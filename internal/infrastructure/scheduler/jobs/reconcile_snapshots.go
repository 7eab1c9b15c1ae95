// Package jobs contains the scheduled maintenance jobs of the analytics
// service.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/application/reconcile"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE SNAPSHOTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileSnapshotsJob runs the full reconciliation sweep: every student
// snapshot is replayed from the event log and corrected where it drifted.
// The sweep is the safety net under incremental ingestion; it is expected to
// find nothing on a healthy system.
type ReconcileSnapshotsJob struct {
	sweeper *reconcile.Sweeper
	logger  *slog.Logger
	config  ReconcileSnapshotsConfig

	lastReport atomic.Value // *reconcile.Report
}

// ReconcileSnapshotsConfig contains configuration for the sweep job.
type ReconcileSnapshotsConfig struct {
	// Timeout bounds one full sweep. A sweep that cannot finish within it
	// is cancelled and retried on the next schedule.
	Timeout time.Duration

	// MaxCorrectedWarn is the corrected-snapshot count above which the job
	// escalates its completion log to a warning. Persistent drift at this
	// volume points at a bug in incremental ingestion.
	MaxCorrectedWarn int
}

// DefaultReconcileSnapshotsConfig returns sensible defaults.
func DefaultReconcileSnapshotsConfig() ReconcileSnapshotsConfig {
	return ReconcileSnapshotsConfig{
		Timeout:          30 * time.Minute,
		MaxCorrectedWarn: 10,
	}
}

// NewReconcileSnapshotsJob creates the sweep job.
func NewReconcileSnapshotsJob(
	sweeper *reconcile.Sweeper,
	logger *slog.Logger,
	config ReconcileSnapshotsConfig,
) *ReconcileSnapshotsJob {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultReconcileSnapshotsConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxCorrectedWarn <= 0 {
		config.MaxCorrectedWarn = defaults.MaxCorrectedWarn
	}

	return &ReconcileSnapshotsJob{
		sweeper: sweeper,
		logger:  logger,
		config:  config,
	}
}

// Name returns the unique job name.
func (j *ReconcileSnapshotsJob) Name() string {
	return "reconcile_snapshots"
}

// Description returns a human-readable description.
func (j *ReconcileSnapshotsJob) Description() string {
	return "Replays event history against all student snapshots and corrects drift"
}

// Run executes one full sweep.
func (j *ReconcileSnapshotsJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	report, err := j.sweeper.SweepAll(ctx)
	j.lastReport.Store(&report)

	if err != nil {
		return fmt.Errorf("reconciliation sweep: %w", err)
	}

	if report.Corrected >= j.config.MaxCorrectedWarn {
		j.logger.Warn("sweep corrected an unusual number of snapshots",
			"corrected", report.Corrected,
			"checked", report.StudentsChecked,
		)
	}

	if report.Failed > 0 {
		return fmt.Errorf("reconciliation sweep: %d of %d students failed",
			report.Failed, report.StudentsChecked)
	}

	return nil
}

// LastReport returns the report of the most recent sweep, or nil.
func (j *ReconcileSnapshotsJob) LastReport() *reconcile.Report {
	if v := j.lastReport.Load(); v != nil {
		return v.(*reconcile.Report)
	}
	return nil
}
