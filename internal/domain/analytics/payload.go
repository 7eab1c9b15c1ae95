package analytics

import (
	"sort"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD PAYLOAD
// ══════════════════════════════════════════════════════════════════════════════

// ConceptBreakdownEntry is one row of the per-concept mastery breakdown.
type ConceptBreakdownEntry struct {
	ConceptID string  `json:"concept_id"`
	Average   float64 `json:"average"`
	Attempts  int     `json:"attempts"`
}

// ProjectStatusCounts summarizes the class's project pipeline.
type ProjectStatusCounts struct {
	NotStarted int `json:"not_started"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// LivePollSnapshot summarizes the most recent engagement burst, if any.
type LivePollSnapshot struct {
	Respondents  int       `json:"respondents"`
	AverageScore float64   `json:"average_score"`
	WindowStart  time.Time `json:"window_start"`
	LastResponse time.Time `json:"last_response"`
}

// DashboardPayload is the composed teacher-facing dashboard view. It is a
// pure derivation of the class snapshot (plus a recent-event scan for the
// live-poll block) and is safe to discard and rebuild at any time.
type DashboardPayload struct {
	TeacherID string `json:"teacher_id"`
	ClassID   string `json:"class_id"`

	// ClassVersion is the upstream ClassSnapshot version this payload was
	// built from. The cache layer compares it to detect staleness.
	ClassVersion int64 `json:"class_version"`

	AverageMastery    float64 `json:"average_mastery"`
	AverageEngagement float64 `json:"average_engagement"`

	ActiveStudents int `json:"active_students"`
	TotalStudents  int `json:"total_students"`

	ConceptBreakdown []ConceptBreakdownEntry `json:"concept_breakdown"`
	AtRisk           []AtRiskStudent         `json:"at_risk"`
	ProjectCounts    ProjectStatusCounts     `json:"project_counts"`

	LivePoll *LivePollSnapshot `json:"live_poll,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// BuildDashboardPayload composes the payload from a class snapshot and the
// class's recent engagement events (the live-poll window).
func BuildDashboardPayload(teacherID string, class *ClassSnapshot, recentEngagement []Event, pollWindow time.Duration, now time.Time) *DashboardPayload {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	p := &DashboardPayload{
		TeacherID:         teacherID,
		ClassID:           class.ClassID,
		ClassVersion:      class.Version,
		AverageMastery:    class.AverageMastery,
		AverageEngagement: class.AverageEngagement,
		ActiveStudents:    class.ActiveStudents,
		TotalStudents:     class.TotalStudents,
		AtRisk:            class.AtRisk,
		ProjectCounts: ProjectStatusCounts{
			NotStarted: class.ProjectsNotStarted,
			InProgress: class.ProjectsInProgress,
			Completed:  class.ProjectsCompleted,
		},
		ConceptBreakdown: make([]ConceptBreakdownEntry, 0, len(class.ConceptMastery)),
		GeneratedAt:      now,
	}

	for concept, stat := range class.ConceptMastery {
		p.ConceptBreakdown = append(p.ConceptBreakdown, ConceptBreakdownEntry{
			ConceptID: concept,
			Average:   stat.Average,
			Attempts:  stat.Count,
		})
	}
	sort.Slice(p.ConceptBreakdown, func(i, j int) bool {
		return p.ConceptBreakdown[i].ConceptID < p.ConceptBreakdown[j].ConceptID
	})

	p.LivePoll = summarizeLivePoll(recentEngagement, pollWindow, now)

	return p
}

// summarizeLivePoll condenses recent engagement events into a poll snapshot.
// Returns nil when no responses landed inside the window.
func summarizeLivePoll(events []Event, window time.Duration, now time.Time) *LivePollSnapshot {
	if window <= 0 {
		return nil
	}
	cutoff := now.Add(-window)

	respondents := make(map[string]struct{})
	var sum float64
	var n int
	var last time.Time

	for _, e := range events {
		if e.Kind != KindEngagement || e.OccurredAt.Before(cutoff) {
			continue
		}
		respondents[e.StudentID] = struct{}{}
		sum += e.Value
		n++
		if e.OccurredAt.After(last) {
			last = e.OccurredAt
		}
	}

	if n == 0 {
		return nil
	}

	return &LivePollSnapshot{
		Respondents:  len(respondents),
		AverageScore: sum / float64(n),
		WindowStart:  cutoff,
		LastResponse: last,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// CacheEntry is one row of the teacher dashboard cache, keyed by
// (teacher, class). The payload is stored serialized so repeated hits return
// byte-identical bodies; ClassVersion encodes the upstream snapshot version
// the payload was built from.
type CacheEntry struct {
	TeacherID    string
	ClassID      string
	Payload      []byte
	ClassVersion int64
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// IsExpired reports whether the entry's TTL has lapsed.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// IsCurrent reports whether the entry still matches the upstream version
// and has not expired.
func (e *CacheEntry) IsCurrent(upstreamVersion int64, now time.Time) bool {
	return e.ClassVersion == upstreamVersion && !e.IsExpired(now)
}
