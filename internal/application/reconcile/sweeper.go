// Package reconcile implements the reconciliation sweeper: the full-recompute
// safety net behind the incremental snapshot path. It replays each student's
// event log over a bounded lookback, compares the result against the live
// snapshot, and overwrites drifted rows.
package reconcile

import (
	"context"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
	"github.com/classpulse/classpulse-analytics/pkg/retry"
	"github.com/classpulse/classpulse-analytics/pkg/timeutil"
)

// ClassRecomputer triggers a class snapshot recompute after member
// corrections. The aggregator satisfies this.
type ClassRecomputer interface {
	Recompute(ctx context.Context, classID string) (*analytics.ClassSnapshot, error)
}

// Config tunes the sweeper.
type Config struct {
	// Lookback is the replay horizon. It should equal the event retention
	// window: the live snapshot reflects the full history, so a replay is
	// only comparable when the window holds every surviving event. Students
	// with history outside the window are skipped, not judged.
	Lookback time.Duration

	// Tolerance is the absolute allowance on running means before a snapshot
	// counts as drifted. Counts, status, and activity timestamps are exact.
	Tolerance float64

	// Throttle is the pause between students during a full sweep, keeping
	// the sweep from competing with live ingestion for the store.
	Throttle time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:  90 * 24 * time.Hour,
		Tolerance: 0.01,
		Throttle:  25 * time.Millisecond,
	}
}

// Report summarizes one sweep.
type Report struct {
	StudentsChecked  int
	Corrected        int
	Skipped          int
	Failed           int
	ClassesRefreshed int
	Duration         time.Duration
}

// Sweeper replays event history against live snapshots and repairs drift.
type Sweeper struct {
	events    analytics.EventLog
	students  analytics.StudentSnapshotRepository
	recompute ClassRecomputer
	publisher shared.EventPublisher
	retrier   *retry.Retrier
	config    Config
	log       *logger.Logger
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(
	events analytics.EventLog,
	students analytics.StudentSnapshotRepository,
	recompute ClassRecomputer,
	publisher shared.EventPublisher,
	config Config,
	log *logger.Logger,
) *Sweeper {
	defaults := DefaultConfig()
	if config.Lookback <= 0 {
		config.Lookback = defaults.Lookback
	}
	if config.Tolerance <= 0 {
		config.Tolerance = defaults.Tolerance
	}

	return &Sweeper{
		events:    events,
		students:  students,
		recompute: recompute,
		publisher: publisher,
		retrier:   retry.SnapshotRetrier(),
		config:    config,
		log:       log.With(logger.Component("reconcile")),
	}
}

// StudentOutcome reports what one reconciliation pass decided.
type StudentOutcome struct {
	Drift     analytics.Drift
	Corrected bool

	// Skipped means the replay window did not cover the student's full
	// history, so the comparison could not be trusted and no write happened.
	Skipped bool
}

// ReconcileStudent replays one student's events and overwrites the live
// snapshot if it drifted beyond tolerance.
//
// A replay is only a verdict when it saw everything the live snapshot saw.
// If events exist before the window, or the live snapshot counts more events
// than the surviving log holds (contributions already pruned), the student is
// skipped: overwriting there would erase the older events from the snapshot.
//
// The write races with live ingestion: ingestion holds a per-student lock the
// sweeper does not share, so the optimistic version check plus retry is what
// keeps the two writers from trampling each other.
func (s *Sweeper) ReconcileStudent(ctx context.Context, studentID string) (StudentOutcome, error) {
	var out StudentOutcome

	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		live, err := s.students.Get(ctx, studentID)
		if err != nil {
			if shared.IsNotFound(err) {
				// Snapshot pruned or never created; nothing to reconcile.
				return nil
			}
			return err
		}

		since := timeutil.Now().Add(-s.config.Lookback)

		older, err := s.events.CountByStudentBefore(ctx, studentID, since)
		if err != nil {
			return err
		}
		if older > 0 {
			out.Skipped = true
			s.log.Debug("history predates replay window, skipping",
				logger.StudentID(studentID),
				logger.Int64("events_before_window", older),
			)
			return nil
		}

		history, err := s.events.ListByStudent(ctx, studentID, since)
		if err != nil {
			return err
		}

		replayed := analytics.ReplayEvents(live.StudentID, live.ClassID, history)
		out.Drift = analytics.DiffSnapshots(live, replayed)
		drift := out.Drift

		if !drift.Exceeds(s.config.Tolerance) {
			// A clean replay clears the anomaly flag set by a past clamped
			// arrival, as long as the replay itself saw nothing anomalous.
			if live.Anomalous && !replayed.Anomalous {
				live.Anomalous = false
				expected := live.Version
				live.Version++
				if err := s.students.Save(ctx, live, expected); err != nil {
					if shared.IsConflict(err) {
						return retry.Retryable(err)
					}
					return err
				}
			}
			return nil
		}

		if live.MasteryCount > replayed.MasteryCount || live.EngagementCount > replayed.EngagementCount {
			// The live snapshot absorbed events the log no longer holds.
			// The replay is incomplete, not the snapshot wrong.
			out.Skipped = true
			s.log.Warn("live snapshot outcounts retained log, skipping",
				logger.StudentID(studentID),
				logger.Int("live_mastery_count", live.MasteryCount),
				logger.Int("replayed_mastery_count", replayed.MasteryCount),
			)
			return nil
		}

		replayed.Version = live.Version + 1
		replayed.UpdatedAt = timeutil.Now()

		if err := s.students.Save(ctx, replayed, live.Version); err != nil {
			if shared.IsConflict(err) {
				return retry.Retryable(err)
			}
			return err
		}

		out.Corrected = true
		s.publish(shared.NewSnapshotReconciledEvent(
			replayed.StudentID, replayed.ClassID, replayed.Version,
			drift.MasteryDelta, drift.EngagementDelta,
		))

		s.log.Warn("snapshot drift corrected",
			logger.StudentID(studentID),
			logger.ClassID(replayed.ClassID),
			logger.Version(replayed.Version),
			logger.Float64("mastery_drift", drift.MasteryDelta),
			logger.Float64("engagement_drift", drift.EngagementDelta),
			logger.Bool("counts_diverged", drift.CountsDiverge),
		)

		return nil
	})

	return out, err
}

// ReconcileClass reconciles every member of a class, then recomputes the
// class snapshot if any member was corrected.
func (s *Sweeper) ReconcileClass(ctx context.Context, classID string) (Report, error) {
	start := time.Now()
	var report Report

	members, err := s.students.ListByClass(ctx, classID)
	if err != nil {
		return report, err
	}

	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome, err := s.ReconcileStudent(ctx, member.StudentID)
		report.StudentsChecked++
		if err != nil {
			report.Failed++
			s.log.Error("reconcile failed", logger.StudentID(member.StudentID), logger.Err(err))
			continue
		}
		if outcome.Skipped {
			report.Skipped++
		}
		if outcome.Corrected {
			report.Corrected++
		}

		s.throttle(ctx)
	}

	if report.Corrected > 0 && s.recompute != nil {
		if _, err := s.recompute.Recompute(ctx, classID); err != nil {
			s.log.Error("post-reconcile class recompute failed", logger.ClassID(classID), logger.Err(err))
		} else {
			report.ClassesRefreshed++
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// SweepAll reconciles every known student, anomalous rows first, then
// refreshes the class snapshots of corrected members.
func (s *Sweeper) SweepAll(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	touchedClasses := make(map[string]struct{})

	ids, err := s.students.ListStudentIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, studentID := range ids {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		outcome, err := s.ReconcileStudent(ctx, studentID)
		report.StudentsChecked++
		if err != nil {
			report.Failed++
			s.log.Error("reconcile failed", logger.StudentID(studentID), logger.Err(err))
			continue
		}
		if outcome.Skipped {
			report.Skipped++
		}
		if outcome.Corrected {
			report.Corrected++
			if snap, err := s.students.Get(ctx, studentID); err == nil {
				touchedClasses[snap.ClassID] = struct{}{}
			}
		}

		s.throttle(ctx)
	}

	if s.recompute != nil {
		for classID := range touchedClasses {
			if _, err := s.recompute.Recompute(ctx, classID); err != nil {
				s.log.Error("post-sweep class recompute failed", logger.ClassID(classID), logger.Err(err))
				continue
			}
			report.ClassesRefreshed++
		}
	}

	report.Duration = time.Since(start)

	s.publish(sweepCompletedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSweepCompleted, "sweeper"),
		Checked:   report.StudentsChecked,
		Corrected: report.Corrected,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
	})

	s.log.Info("sweep completed",
		logger.Int("students_checked", report.StudentsChecked),
		logger.Int("corrected", report.Corrected),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", report.Failed),
		logger.Int("classes_refreshed", report.ClassesRefreshed),
		logger.Duration("duration", report.Duration),
	)

	return report, nil
}

func (s *Sweeper) throttle(ctx context.Context) {
	if s.config.Throttle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.config.Throttle):
	}
}

func (s *Sweeper) publish(event shared.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(event); err != nil {
		s.log.Warn("publish failed", logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}

// sweepCompletedEvent summarizes a finished sweep for observers.
type sweepCompletedEvent struct {
	shared.BaseEvent
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (e sweepCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"checked":   e.Checked,
		"corrected": e.Corrected,
		"skipped":   e.Skipped,
		"failed":    e.Failed,
	}
}
