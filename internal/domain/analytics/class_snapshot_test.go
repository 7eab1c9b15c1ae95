package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberSnapshot(id string, mastery, engagement float64, lastActivity time.Time, status ProjectStatus) *StudentSnapshot {
	s := NewStudentSnapshot(id, "class-1")
	s.MasteryAverage = mastery
	s.MasteryCount = 5
	s.EngagementScore = engagement
	s.EngagementCount = 5
	s.LastActivityAt = lastActivity
	s.ProjectStatus = status
	return s
}

func TestComputeClassSnapshot_EmptyClass(t *testing.T) {
	snap := ComputeClassSnapshot("class-1", nil, DefaultRecomputeOptions())

	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.TotalStudents)
	assert.Equal(t, 0, snap.ActiveStudents)
	assert.Zero(t, snap.AverageMastery)
	assert.Zero(t, snap.AverageEngagement)
	assert.Empty(t, snap.AtRisk)
}

func TestComputeClassSnapshot_Averages(t *testing.T) {
	now := baseTime
	opts := DefaultRecomputeOptions()
	opts.Now = now

	members := []*StudentSnapshot{
		memberSnapshot("s1", 90, 80, now.Add(-time.Minute), StatusCompleted),
		memberSnapshot("s2", 70, 60, now.Add(-5*time.Minute), StatusInProgress),
		memberSnapshot("s3", 80, 100, now.Add(-2*time.Hour), StatusNotStarted),
	}

	snap := ComputeClassSnapshot("class-1", members, opts)

	assert.Equal(t, 3, snap.TotalStudents)
	assert.Equal(t, 2, snap.ActiveStudents, "s3 is outside the recency window")
	assert.InDelta(t, 80.0, snap.AverageMastery, 1e-9)
	assert.InDelta(t, 80.0, snap.AverageEngagement, 1e-9)
	assert.Equal(t, 1, snap.ProjectsCompleted)
	assert.Equal(t, 1, snap.ProjectsInProgress)
	assert.Equal(t, 1, snap.ProjectsNotStarted)
}

func TestComputeClassSnapshot_IgnoresMembersWithoutData(t *testing.T) {
	opts := DefaultRecomputeOptions()
	opts.Now = baseTime

	fresh := NewStudentSnapshot("s1", "class-1")
	scored := memberSnapshot("s2", 60, 40, baseTime, StatusInProgress)

	snap := ComputeClassSnapshot("class-1", []*StudentSnapshot{fresh, scored}, opts)

	assert.Equal(t, 2, snap.TotalStudents)
	// A student with no graded attempts must not drag the mean toward zero.
	assert.InDelta(t, 60.0, snap.AverageMastery, 1e-9)
	assert.InDelta(t, 40.0, snap.AverageEngagement, 1e-9)
}

func TestComputeClassSnapshot_SkipsForeignMembers(t *testing.T) {
	opts := DefaultRecomputeOptions()
	opts.Now = baseTime

	other := memberSnapshot("s9", 10, 10, baseTime, StatusNotStarted)
	other.ClassID = "class-2"

	snap := ComputeClassSnapshot("class-1", []*StudentSnapshot{other}, opts)
	assert.Equal(t, 0, snap.TotalStudents)
}

func TestComputeClassSnapshot_AtRisk(t *testing.T) {
	now := baseTime
	opts := DefaultRecomputeOptions()
	opts.Now = now

	members := []*StudentSnapshot{
		memberSnapshot("healthy", 90, 80, now, StatusInProgress),
		memberSnapshot("struggling", 35, 80, now, StatusInProgress),
		memberSnapshot("disengaged", 90, 10, now, StatusInProgress),
		memberSnapshot("ghost", 60, 60, now.Add(-3*time.Hour), StatusNotStarted),
	}

	snap := ComputeClassSnapshot("class-1", members, opts)

	require.Len(t, snap.AtRisk, 3)
	// Sorted worst mastery first.
	assert.Equal(t, "struggling", snap.AtRisk[0].StudentID)
	assert.Contains(t, snap.AtRisk[0].Reasons, RiskLowMastery)

	byID := make(map[string]AtRiskStudent)
	for _, r := range snap.AtRisk {
		byID[r.StudentID] = r
	}
	assert.Contains(t, byID["disengaged"].Reasons, RiskLowEngagement)
	assert.Contains(t, byID["ghost"].Reasons, RiskInactive)
	assert.NotContains(t, byID, "healthy")
}

func TestComputeClassSnapshot_ConceptBreakdownWeighted(t *testing.T) {
	opts := DefaultRecomputeOptions()
	opts.Now = baseTime

	a := memberSnapshot("s1", 80, 80, baseTime, StatusInProgress)
	a.ConceptMastery["fractions"] = ConceptStat{Average: 100, Count: 1}
	b := memberSnapshot("s2", 80, 80, baseTime, StatusInProgress)
	b.ConceptMastery["fractions"] = ConceptStat{Average: 40, Count: 3}

	snap := ComputeClassSnapshot("class-1", []*StudentSnapshot{a, b}, opts)

	stat := snap.ConceptMastery["fractions"]
	assert.Equal(t, 4, stat.Count)
	assert.InDelta(t, 55.0, stat.Average, 1e-9, "weighted by attempt count, not per-student")
}
