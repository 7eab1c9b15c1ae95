package analytics

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func masteryEvent(id string, value float64, at time.Time) Event {
	return Event{
		ID:         id,
		StudentID:  "student-1",
		ClassID:    "class-1",
		Kind:       KindMastery,
		ConceptID:  "fractions",
		Value:      value,
		OccurredAt: at,
		RecordedAt: at,
	}
}

func TestApply_RunningMasteryAverage(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	values := []float64{80, 60, 100}
	for i, v := range values {
		res := snap.Apply(masteryEvent(fmt.Sprintf("e%d", i), v, baseTime.Add(time.Duration(i)*time.Minute)))
		assert.Equal(t, ResultApplied, res)
	}

	assert.InDelta(t, 80.0, snap.MasteryAverage, 1e-9)
	assert.Equal(t, 3, snap.MasteryCount)
	assert.Equal(t, 3, snap.ResponseCount)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, baseTime.Add(2*time.Minute), snap.LastActivityAt)
}

func TestApply_ConceptBreakdown(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	e1 := masteryEvent("e1", 90, baseTime)
	e2 := masteryEvent("e2", 70, baseTime.Add(time.Minute))
	e2.ConceptID = "decimals"
	e3 := masteryEvent("e3", 50, baseTime.Add(2*time.Minute))

	snap.Apply(e1)
	snap.Apply(e2)
	snap.Apply(e3)

	require.Len(t, snap.ConceptMastery, 2)
	assert.InDelta(t, 70.0, snap.ConceptMastery["fractions"].Average, 1e-9)
	assert.Equal(t, 2, snap.ConceptMastery["fractions"].Count)
	assert.InDelta(t, 70.0, snap.ConceptMastery["decimals"].Average, 1e-9)
}

func TestApply_ClampsMalformedScores(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		wantAvg float64
	}{
		{"above range", 250, 100},
		{"below range", -40, 0},
		{"nan", math.NaN(), 0},
		{"positive inf", math.Inf(1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewStudentSnapshot("student-1", "class-1")
			res := snap.Apply(masteryEvent("e1", tt.value, baseTime))

			assert.Equal(t, ResultApplied, res)
			assert.InDelta(t, tt.wantAvg, snap.MasteryAverage, 1e-9)
			assert.True(t, snap.Anomalous, "clamped input must be flagged for the sweeper")
			assert.GreaterOrEqual(t, snap.MasteryAverage, 0.0)
			assert.LessOrEqual(t, snap.MasteryAverage, 100.0)
		})
	}
}

func TestApply_EngagementRunningMean(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	for i, v := range []float64{100, 50} {
		e := masteryEvent(fmt.Sprintf("e%d", i), v, baseTime.Add(time.Duration(i)*time.Second))
		e.Kind = KindEngagement
		e.ConceptID = ""
		res := snap.Apply(e)
		assert.Equal(t, ResultApplied, res)
	}

	assert.InDelta(t, 75.0, snap.EngagementScore, 1e-9)
	assert.Equal(t, 2, snap.EngagementCount)
	assert.Equal(t, 0, snap.MasteryCount)
}

func TestApply_ResponseTimeAverage(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	e1 := masteryEvent("e1", 80, baseTime)
	e1.ResponseTimeMS = 1000
	e2 := masteryEvent("e2", 80, baseTime.Add(time.Second))
	e2.ResponseTimeMS = 3000
	e3 := masteryEvent("e3", 80, baseTime.Add(2*time.Second))
	// e3 carries no measured response time and must not dilute the mean.

	snap.Apply(e1)
	snap.Apply(e2)
	snap.Apply(e3)

	assert.InDelta(t, 2000.0, snap.AverageResponseMS, 1e-9)
	assert.Equal(t, 2, snap.ResponseTimeSamples())
	assert.Equal(t, 3, snap.ResponseCount)
}

func TestApply_ProjectStatusLatestWins(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	newer := Event{
		ID: "e1", StudentID: "student-1", ClassID: "class-1",
		Kind: KindProjectStatus, Value: 2,
		OccurredAt: baseTime.Add(time.Hour),
	}
	older := Event{
		ID: "e2", StudentID: "student-1", ClassID: "class-1",
		Kind: KindProjectStatus, Value: 1,
		OccurredAt: baseTime,
	}

	res := snap.Apply(newer)
	assert.Equal(t, ResultApplied, res)
	assert.Equal(t, StatusCompleted, snap.ProjectStatus)
	assert.Equal(t, int64(1), snap.Version)

	// The older status arrives late: discarded, version unchanged.
	res = snap.Apply(older)
	assert.Equal(t, ResultOutOfOrder, res)
	assert.Equal(t, StatusCompleted, snap.ProjectStatus)
	assert.Equal(t, int64(1), snap.Version)
}

func TestApply_OutOfOrderMasteryStillCounts(t *testing.T) {
	snap := NewStudentSnapshot("student-1", "class-1")

	snap.Apply(masteryEvent("e1", 80, baseTime.Add(time.Hour)))
	res := snap.Apply(masteryEvent("e2", 60, baseTime))

	// Commutative aggregates accept arrival order; only last-activity is
	// latest-wins.
	assert.Equal(t, ResultOutOfOrder, res)
	assert.Equal(t, 2, snap.MasteryCount)
	assert.InDelta(t, 70.0, snap.MasteryAverage, 1e-9)
	assert.Equal(t, baseTime.Add(time.Hour), snap.LastActivityAt)
	assert.Equal(t, int64(2), snap.Version, "aggregates mutated, so version bumps")
}

func TestReplayEvents_MatchesIncrementalPath(t *testing.T) {
	events := []Event{
		masteryEvent("e1", 80, baseTime),
		masteryEvent("e2", 60, baseTime.Add(time.Minute)),
		masteryEvent("e3", 100, baseTime.Add(2*time.Minute)),
	}
	poll := masteryEvent("e4", 90, baseTime.Add(3*time.Minute))
	poll.Kind = KindEngagement
	poll.ConceptID = ""
	events = append(events, poll)

	live := NewStudentSnapshot("student-1", "class-1")
	for _, e := range events {
		live.Apply(e)
	}

	// Replay sees the events shuffled and with a duplicate delivery.
	shuffled := []Event{events[2], events[0], events[3], events[1], events[0]}
	recomputed := ReplayEvents("student-1", "class-1", shuffled)

	drift := DiffSnapshots(live, recomputed)
	assert.False(t, drift.Exceeds(0.01), "replay must reproduce the live snapshot: %+v", drift)
}

func TestReplayEvents_SkipsDuplicateIDs(t *testing.T) {
	e := masteryEvent("e1", 80, baseTime)
	snap := ReplayEvents("student-1", "class-1", []Event{e, e, e})

	assert.Equal(t, 1, snap.MasteryCount)
	assert.InDelta(t, 80.0, snap.MasteryAverage, 1e-9)
}

func TestDrift_Exceeds(t *testing.T) {
	tests := []struct {
		name  string
		drift Drift
		want  bool
	}{
		{"rounding only", Drift{MasteryDelta: 0.005}, false},
		{"mastery drift", Drift{MasteryDelta: 0.5}, true},
		{"count drift", Drift{CountsDiverge: true}, true},
		{"status drift", Drift{StatusDiverges: true}, true},
		{"no drift", Drift{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.drift.Exceeds(0.01))
		})
	}
}

func TestEventValidate(t *testing.T) {
	valid := masteryEvent("e1", 80, baseTime)
	assert.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	assert.Error(t, noID.Validate())

	noStudent := valid
	noStudent.StudentID = "  "
	assert.Error(t, noStudent.Validate())

	badKind := valid
	badKind.Kind = "telemetry"
	assert.Error(t, badKind.Validate())
}

func TestProjectStatusFromValue(t *testing.T) {
	tests := []struct {
		value     float64
		want      ProjectStatus
		anomalous bool
	}{
		{0, StatusNotStarted, false},
		{1, StatusInProgress, false},
		{2, StatusCompleted, false},
		{-3, StatusNotStarted, true},
		{9, StatusCompleted, true},
		{math.NaN(), StatusNotStarted, true},
	}

	for _, tt := range tests {
		got, anomalous := ProjectStatusFromValue(tt.value)
		assert.Equal(t, tt.want, got, "value %v", tt.value)
		assert.Equal(t, tt.anomalous, anomalous, "value %v", tt.value)
	}
}
