// Package timeutil provides time helpers for ClassPulse Analytics.
// All computations are UTC; classroom-local presentation is a UI concern.
// No external dependencies - uses only standard library.
package timeutil

import (
	"strconv"
	"time"
)

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// ToUTC converts a time to UTC.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// StartOfDay returns the start of the day (00:00:00) for the given time.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the end of the day (23:59:59.999999999) for the given time.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Nanosecond)
}

// DaysAgo returns the start of the day n days before now.
func DaysAgo(n int) time.Time {
	return StartOfDay(Now().AddDate(0, 0, -n))
}

// DaysSince returns the number of whole days since the given time.
func DaysSince(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	days := int(Now().Sub(t.UTC()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// WithinWindow reports whether t falls inside the window ending at now.
// A zero t is never within any window.
func WithinWindow(t, now time.Time, window time.Duration) bool {
	if t.IsZero() {
		return false
	}
	delta := now.Sub(t)
	return delta >= 0 && delta <= window
}

// FormatRelative renders a time as a short relative description ("3m ago").
// Used in log output, not in the dashboard payload.
func FormatRelative(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := Now().Sub(t.UTC())
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return strconv.Itoa(int(d.Hours()/24)) + "d ago"
	}
}
