package analytics

import (
	"sort"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLASS SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// AtRiskStudent is a class member flagged for teacher attention during a
// class recompute.
type AtRiskStudent struct {
	StudentID       string    `json:"student_id"`
	MasteryAverage  float64   `json:"mastery_average"`
	EngagementScore float64   `json:"engagement_score"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	Reasons         []string  `json:"reasons"`
}

// At-risk reasons.
const (
	RiskLowMastery    = "low_mastery"
	RiskLowEngagement = "low_engagement"
	RiskInactive      = "inactive"
)

// ClassSnapshot is the per-class aggregate, derived entirely from member
// student snapshots. Never independently mutated; a recompute replaces the
// whole row and bumps the version.
type ClassSnapshot struct {
	ClassID string

	AverageMastery    float64
	AverageEngagement float64

	ActiveStudents int
	TotalStudents  int

	ProjectsNotStarted int
	ProjectsInProgress int
	ProjectsCompleted  int

	// ConceptMastery aggregates the members' per-concept means, weighted
	// by attempt count.
	ConceptMastery map[string]ConceptStat

	// AtRisk lists members below the configured thresholds, worst first.
	AtRisk []AtRiskStudent

	// Version increments by one per recompute; the dashboard cache encodes
	// it to detect staleness.
	Version int64

	ComputedAt time.Time
}

// Clone returns a deep copy of the snapshot.
func (c *ClassSnapshot) Clone() *ClassSnapshot {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ConceptMastery != nil {
		cp.ConceptMastery = make(map[string]ConceptStat, len(c.ConceptMastery))
		for k, v := range c.ConceptMastery {
			cp.ConceptMastery[k] = v
		}
	}
	if c.AtRisk != nil {
		cp.AtRisk = make([]AtRiskStudent, len(c.AtRisk))
		copy(cp.AtRisk, c.AtRisk)
		for i := range cp.AtRisk {
			if c.AtRisk[i].Reasons != nil {
				cp.AtRisk[i].Reasons = append([]string(nil), c.AtRisk[i].Reasons...)
			}
		}
	}
	return &cp
}

// RecomputeOptions tunes a class recompute.
type RecomputeOptions struct {
	// RecencyWindow decides which members count as active.
	RecencyWindow time.Duration

	// AtRiskMasteryBelow flags members with a lower mastery average
	// (ignored for members with no graded attempts yet).
	AtRiskMasteryBelow float64

	// AtRiskEngagementBelow flags members with a lower engagement score
	// (ignored for members with no engagement signals yet).
	AtRiskEngagementBelow float64

	// Now anchors recency checks; zero means time.Now().
	Now time.Time
}

// DefaultRecomputeOptions returns the thresholds used in production.
func DefaultRecomputeOptions() RecomputeOptions {
	return RecomputeOptions{
		RecencyWindow:         15 * time.Minute,
		AtRiskMasteryBelow:    50,
		AtRiskEngagementBelow: 30,
	}
}

// ComputeClassSnapshot derives a class snapshot from its member student
// snapshots. This is deliberately a full scan with plain arithmetic means:
// class sizes are tens of students, so correctness is cheaper than
// incremental class-level math.
//
// A class with no members yields a valid zero-valued snapshot, not an error.
func ComputeClassSnapshot(classID string, members []*StudentSnapshot, opts RecomputeOptions) *ClassSnapshot {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	snap := &ClassSnapshot{
		ClassID:        classID,
		ConceptMastery: make(map[string]ConceptStat),
		AtRisk:         make([]AtRiskStudent, 0),
		ComputedAt:     now,
	}

	var masterySum, engagementSum float64
	var masteryN, engagementN int

	for _, m := range members {
		if m == nil || m.ClassID != classID {
			continue
		}
		snap.TotalStudents++

		if m.MasteryCount > 0 {
			masterySum += m.MasteryAverage
			masteryN++
		}
		if m.EngagementCount > 0 {
			engagementSum += m.EngagementScore
			engagementN++
		}

		if m.IsActive(now, opts.RecencyWindow) {
			snap.ActiveStudents++
		}

		switch m.ProjectStatus {
		case StatusInProgress:
			snap.ProjectsInProgress++
		case StatusCompleted:
			snap.ProjectsCompleted++
		default:
			snap.ProjectsNotStarted++
		}

		for concept, stat := range m.ConceptMastery {
			agg := snap.ConceptMastery[concept]
			total := agg.Count + stat.Count
			if total > 0 {
				agg.Average = (agg.Average*float64(agg.Count) + stat.Average*float64(stat.Count)) / float64(total)
			}
			agg.Count = total
			snap.ConceptMastery[concept] = agg
		}

		if risk, flagged := assessRisk(m, opts, now); flagged {
			snap.AtRisk = append(snap.AtRisk, risk)
		}
	}

	if masteryN > 0 {
		snap.AverageMastery = masterySum / float64(masteryN)
	}
	if engagementN > 0 {
		snap.AverageEngagement = engagementSum / float64(engagementN)
	}

	// Worst first, then by id for deterministic output.
	sort.Slice(snap.AtRisk, func(i, j int) bool {
		if snap.AtRisk[i].MasteryAverage != snap.AtRisk[j].MasteryAverage {
			return snap.AtRisk[i].MasteryAverage < snap.AtRisk[j].MasteryAverage
		}
		return snap.AtRisk[i].StudentID < snap.AtRisk[j].StudentID
	})

	return snap
}

func assessRisk(m *StudentSnapshot, opts RecomputeOptions, now time.Time) (AtRiskStudent, bool) {
	var reasons []string

	if m.MasteryCount > 0 && m.MasteryAverage < opts.AtRiskMasteryBelow {
		reasons = append(reasons, RiskLowMastery)
	}
	if m.EngagementCount > 0 && m.EngagementScore < opts.AtRiskEngagementBelow {
		reasons = append(reasons, RiskLowEngagement)
	}
	if !m.LastActivityAt.IsZero() && !m.IsActive(now, opts.RecencyWindow) {
		reasons = append(reasons, RiskInactive)
	}

	if len(reasons) == 0 {
		return AtRiskStudent{}, false
	}

	return AtRiskStudent{
		StudentID:       m.StudentID,
		MasteryAverage:  m.MasteryAverage,
		EngagementScore: m.EngagementScore,
		LastActivityAt:  m.LastActivityAt,
		Reasons:         reasons,
	}, true
}
