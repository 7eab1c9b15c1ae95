package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDashboardPayload(t *testing.T) {
	class := &ClassSnapshot{
		ClassID:            "class-1",
		AverageMastery:     72.5,
		AverageEngagement:  64.0,
		ActiveStudents:     18,
		TotalStudents:      24,
		ProjectsCompleted:  6,
		ProjectsInProgress: 10,
		ProjectsNotStarted: 8,
		ConceptMastery: map[string]ConceptStat{
			"fractions": {Average: 70, Count: 40},
			"decimals":  {Average: 85, Count: 12},
		},
		Version:    7,
		ComputedAt: baseTime,
	}

	p := BuildDashboardPayload("teacher-1", class, nil, 2*time.Minute, baseTime)

	assert.Equal(t, "teacher-1", p.TeacherID)
	assert.Equal(t, int64(7), p.ClassVersion)
	assert.Equal(t, 6, p.ProjectCounts.Completed)
	require.Len(t, p.ConceptBreakdown, 2)
	// Sorted by concept id for deterministic serialization.
	assert.Equal(t, "decimals", p.ConceptBreakdown[0].ConceptID)
	assert.Equal(t, "fractions", p.ConceptBreakdown[1].ConceptID)
	assert.Nil(t, p.LivePoll)
}

func TestBuildDashboardPayload_LivePoll(t *testing.T) {
	class := &ClassSnapshot{ClassID: "class-1", Version: 1}

	events := []Event{
		{ID: "p1", StudentID: "s1", Kind: KindEngagement, Value: 100, OccurredAt: baseTime.Add(-30 * time.Second)},
		{ID: "p2", StudentID: "s2", Kind: KindEngagement, Value: 60, OccurredAt: baseTime.Add(-10 * time.Second)},
		{ID: "p3", StudentID: "s2", Kind: KindEngagement, Value: 80, OccurredAt: baseTime.Add(-5 * time.Second)},
		// Outside the poll window; must be excluded.
		{ID: "p4", StudentID: "s3", Kind: KindEngagement, Value: 0, OccurredAt: baseTime.Add(-10 * time.Minute)},
		// Wrong kind; must be excluded.
		{ID: "p5", StudentID: "s4", Kind: KindMastery, Value: 50, OccurredAt: baseTime},
	}

	p := BuildDashboardPayload("teacher-1", class, events, 2*time.Minute, baseTime)

	require.NotNil(t, p.LivePoll)
	assert.Equal(t, 2, p.LivePoll.Respondents, "unique students, not responses")
	assert.InDelta(t, 80.0, p.LivePoll.AverageScore, 1e-9)
	assert.Equal(t, baseTime.Add(-5*time.Second), p.LivePoll.LastResponse)
}

func TestCacheEntry_Staleness(t *testing.T) {
	entry := &CacheEntry{
		TeacherID:    "teacher-1",
		ClassID:      "class-1",
		ClassVersion: 5,
		ExpiresAt:    baseTime.Add(time.Minute),
	}

	assert.True(t, entry.IsCurrent(5, baseTime))
	assert.False(t, entry.IsCurrent(6, baseTime), "upstream version advanced")
	assert.False(t, entry.IsCurrent(5, baseTime.Add(2*time.Minute)), "TTL lapsed")
}
