package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSchedule_Next(t *testing.T) {
	s := NewIntervalSchedule(15 * time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(15*time.Minute), s.Next(now))
	assert.Equal(t, "@every 15m0s", s.String())
}

func TestDailySchedule_Next(t *testing.T) {
	s := NewDailySchedule(3, 30)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "before the slot fires same day",
			from: time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "after the slot rolls to next day",
			from: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "exactly at the slot rolls to next day",
			from: time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC),
		},
		{
			name: "month boundary",
			from: time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC),
			want: time.Date(2026, 4, 1, 3, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Next(tt.from))
		})
	}
}

func TestDailySchedule_PreservesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+6", 6*60*60)
	s := NewDailySchedule(3, 30)

	next := s.Next(time.Date(2026, 3, 10, 1, 0, 0, 0, loc))
	assert.Equal(t, loc, next.Location())
	assert.Equal(t, 3, next.Hour())
}

func TestNewDailySchedule_ClampsRanges(t *testing.T) {
	s := NewDailySchedule(-1, 75)
	assert.Equal(t, 0, s.Hour)
	assert.Equal(t, 59, s.Minute)

	s = NewDailySchedule(30, -5)
	assert.Equal(t, 23, s.Hour)
	assert.Equal(t, 0, s.Minute)
}
