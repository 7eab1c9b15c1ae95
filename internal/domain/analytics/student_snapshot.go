package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLY RESULT
// ══════════════════════════════════════════════════════════════════════════════

// ApplyResult classifies the outcome of applying one event to a snapshot.
type ApplyResult int

const (
	// ResultApplied means the event mutated the snapshot.
	ResultApplied ApplyResult = iota

	// ResultDuplicate means the event id was already applied; no mutation.
	ResultDuplicate

	// ResultOutOfOrder means the event's timestamp lost a latest-wins
	// comparison. Commutative aggregates were still applied where present;
	// only the latest-wins fields were skipped. Not an error.
	ResultOutOfOrder
)

// String returns the string representation of the result.
func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDuplicate:
		return "duplicate"
	case ResultOutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// ConceptStat is the running mastery mean for a single concept.
type ConceptStat struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// StudentSnapshot is the incrementally maintained per-student aggregate.
// Mutated only by the ingest service (incremental path) and the
// reconciliation sweeper (full-recompute path), never by UI code.
//
// Invariant: recomputing this snapshot from the student's full event log
// yields the same values, within rounding. The sweeper enforces it.
type StudentSnapshot struct {
	StudentID string
	ClassID   string

	// MasteryAverage is the running mean of mastery scores, 0..100.
	MasteryAverage float64
	MasteryCount   int

	// EngagementScore is the running mean of engagement signals, 0..100.
	EngagementScore float64
	EngagementCount int

	// ConceptMastery is the per-concept running mean breakdown.
	ConceptMastery map[string]ConceptStat

	// ProjectStatus is latest-wins on event timestamp.
	ProjectStatus   ProjectStatus
	ProjectStatusAt time.Time

	// ResponseCount counts every applied mastery and engagement event.
	ResponseCount int

	// AverageResponseMS is the running mean of measured response times.
	AverageResponseMS float64
	responseTimeCount int

	// LastActivityAt is latest-wins on event timestamp.
	LastActivityAt time.Time

	// Version increments by exactly one per mutating apply. This is the
	// signal the class aggregator listens for.
	Version int64

	// Anomalous marks that a malformed payload was clamped on the
	// incremental path; the sweeper re-derives from source on its next pass.
	Anomalous bool

	UpdatedAt time.Time
}

// NewStudentSnapshot creates an empty snapshot for a student.
func NewStudentSnapshot(studentID, classID string) *StudentSnapshot {
	return &StudentSnapshot{
		StudentID:      studentID,
		ClassID:        classID,
		ProjectStatus:  StatusNotStarted,
		ConceptMastery: make(map[string]ConceptStat),
	}
}

// Apply folds one event into the snapshot.
//
// Commutative aggregates (running means, counts) are applied in arrival
// order regardless of the event's timestamp. Latest-wins fields (project
// status, last activity) compare the event timestamp against the stored one
// and discard older updates; when every field the event targets is discarded
// the result is ResultOutOfOrder and the snapshot is untouched.
//
// Duplicate detection by event id happens upstream; Apply assumes the event
// is new.
func (s *StudentSnapshot) Apply(e Event) ApplyResult {
	if s.ConceptMastery == nil {
		s.ConceptMastery = make(map[string]ConceptStat)
	}

	mutated := false
	outOfOrder := false

	switch e.Kind {
	case KindMastery:
		score, clamped := shared.ClampScore(e.Value)
		s.MasteryCount++
		s.MasteryAverage += (score.Float64() - s.MasteryAverage) / float64(s.MasteryCount)
		if e.ConceptID != "" {
			stat := s.ConceptMastery[e.ConceptID]
			stat.Count++
			stat.Average += (score.Float64() - stat.Average) / float64(stat.Count)
			s.ConceptMastery[e.ConceptID] = stat
		}
		s.ResponseCount++
		s.applyResponseTime(e.ResponseTimeMS)
		if clamped {
			s.Anomalous = true
		}
		mutated = true

	case KindEngagement:
		score, clamped := shared.ClampScore(e.Value)
		s.EngagementCount++
		s.EngagementScore += (score.Float64() - s.EngagementScore) / float64(s.EngagementCount)
		s.ResponseCount++
		s.applyResponseTime(e.ResponseTimeMS)
		if clamped {
			s.Anomalous = true
		}
		mutated = true

	case KindProjectStatus:
		if !e.OccurredAt.After(s.ProjectStatusAt) {
			outOfOrder = true
			break
		}
		status, anomalous := e.ProjectStatus()
		s.ProjectStatus = status
		s.ProjectStatusAt = e.OccurredAt
		if anomalous {
			s.Anomalous = true
		}
		mutated = true

	default:
		// Unknown kinds are rejected by Validate before they get here.
		return ResultOutOfOrder
	}

	if e.OccurredAt.After(s.LastActivityAt) {
		s.LastActivityAt = e.OccurredAt
	} else if e.OccurredAt.Before(s.LastActivityAt) {
		outOfOrder = true
	}

	if !mutated {
		return ResultOutOfOrder
	}

	s.Version++
	s.UpdatedAt = time.Now().UTC()

	if outOfOrder {
		return ResultOutOfOrder
	}
	return ResultApplied
}

func (s *StudentSnapshot) applyResponseTime(ms int64) {
	if ms <= 0 {
		return
	}
	s.responseTimeCount++
	s.AverageResponseMS += (float64(ms) - s.AverageResponseMS) / float64(s.responseTimeCount)
}

// ResponseTimeSamples returns how many events carried a measured response
// time. Persisted alongside the average so replay and live paths agree.
func (s *StudentSnapshot) ResponseTimeSamples() int {
	return s.responseTimeCount
}

// SetResponseTimeSamples restores the sample counter when loading from storage.
func (s *StudentSnapshot) SetResponseTimeSamples(n int) {
	s.responseTimeCount = n
}

// IsActive reports whether the student had activity within the window
// ending at now.
func (s *StudentSnapshot) IsActive(now time.Time, window time.Duration) bool {
	if s.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(s.LastActivityAt) <= window
}

// Clone returns a deep copy of the snapshot.
func (s *StudentSnapshot) Clone() *StudentSnapshot {
	cp := *s
	cp.ConceptMastery = make(map[string]ConceptStat, len(s.ConceptMastery))
	for k, v := range s.ConceptMastery {
		cp.ConceptMastery[k] = v
	}
	return &cp
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY (full recompute path)
// ══════════════════════════════════════════════════════════════════════════════

// ReplayEvents rebuilds a snapshot from scratch by folding the given events
// in occurrence order. Duplicate event ids are skipped. This is the
// reconciliation sweeper's path; it shares Apply with the incremental path
// so the two can only diverge through missed events or bugs, not through
// different arithmetic.
func ReplayEvents(studentID, classID string, events []Event) *StudentSnapshot {
	snap := NewStudentSnapshot(studentID, classID)

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sortEvents(ordered)

	seen := make(map[string]struct{}, len(ordered))
	for _, e := range ordered {
		if e.StudentID != studentID {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		snap.Apply(e)
	}
	return snap
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		if !events[i].RecordedAt.Equal(events[j].RecordedAt) {
			return events[i].RecordedAt.Before(events[j].RecordedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// DRIFT
// ══════════════════════════════════════════════════════════════════════════════

// Drift describes how far the live snapshot sits from a fresh recompute.
type Drift struct {
	MasteryDelta     float64
	EngagementDelta  float64
	ResponseMSDelta  float64
	CountsDiverge    bool
	StatusDiverges   bool
	ActivityDiverges bool
}

// Exceeds reports whether any component of the drift is beyond tolerance.
// Counts, status and activity timestamps are exact; only the running means
// get a rounding allowance.
func (d Drift) Exceeds(tolerance float64) bool {
	return d.CountsDiverge ||
		d.StatusDiverges ||
		d.ActivityDiverges ||
		math.Abs(d.MasteryDelta) > tolerance ||
		math.Abs(d.EngagementDelta) > tolerance ||
		math.Abs(d.ResponseMSDelta) > tolerance
}

// DiffSnapshots compares the live snapshot against a recomputed one.
func DiffSnapshots(live, recomputed *StudentSnapshot) Drift {
	return Drift{
		MasteryDelta:    live.MasteryAverage - recomputed.MasteryAverage,
		EngagementDelta: live.EngagementScore - recomputed.EngagementScore,
		ResponseMSDelta: live.AverageResponseMS - recomputed.AverageResponseMS,
		CountsDiverge: live.MasteryCount != recomputed.MasteryCount ||
			live.EngagementCount != recomputed.EngagementCount ||
			live.ResponseCount != recomputed.ResponseCount,
		StatusDiverges:   live.ProjectStatus != recomputed.ProjectStatus,
		ActivityDiverges: !live.LastActivityAt.Equal(recomputed.LastActivityAt),
	}
}
