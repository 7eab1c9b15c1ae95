// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"math"
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UUID validation regex (simple version).
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// StudentID represents a unique student identifier (UUID format).
// Owned by the roster subsystem; the analytics core only reads it.
type StudentID string

// IsValid checks if the student ID is a valid UUID.
func (s StudentID) IsValid() bool {
	return uuidRegex.MatchString(string(s))
}

// String returns the string representation.
func (s StudentID) String() string {
	return string(s)
}

// NewStudentID creates a new StudentID with validation.
func NewStudentID(id string) (StudentID, error) {
	s := StudentID(strings.TrimSpace(id))
	if !s.IsValid() {
		return "", ErrEventMissingStudent
	}
	return s, nil
}

// ClassID represents a unique class identifier (UUID format).
type ClassID string

// IsValid checks if the class ID is a valid UUID.
func (c ClassID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// String returns the string representation.
func (c ClassID) String() string {
	return string(c)
}

// TeacherID represents a unique teacher identifier (UUID format).
type TeacherID string

// IsValid checks if the teacher ID is a valid UUID.
func (t TeacherID) IsValid() bool {
	return uuidRegex.MatchString(string(t))
}

// String returns the string representation.
func (t TeacherID) String() string {
	return string(t)
}

// EventID is the idempotency key of a raw analytics event. Writers that
// retry a delivery reuse the same EventID, which is what makes duplicate
// delivery a safe no-op downstream.
type EventID string

// IsValid checks if the event ID is non-empty after trimming.
func (e EventID) IsValid() bool {
	return strings.TrimSpace(string(e)) != ""
}

// String returns the string representation.
func (e EventID) String() string {
	return string(e)
}

// ═══════════════════════════════════════════════════════════════════════════
// Score Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// Score is a 0..100 metric (mastery average, engagement score).
type Score float64

// ScoreMin and ScoreMax bound every score stored in a snapshot, regardless
// of what the ingestion boundary delivered.
const (
	ScoreMin Score = 0
	ScoreMax Score = 100
)

// IsValid reports whether the score is a finite value inside [0, 100].
func (s Score) IsValid() bool {
	f := float64(s)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && s >= ScoreMin && s <= ScoreMax
}

// Float64 returns the underlying float64 value.
func (s Score) Float64() float64 {
	return float64(s)
}

// ClampScore forces a raw value into [0, 100]. NaN and ±Inf clamp to 0.
// The second return value reports whether clamping changed the input,
// which callers use to flag anomalous payloads for reconciliation.
func ClampScore(v float64) (Score, bool) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return ScoreMin, true
	case v < float64(ScoreMin):
		return ScoreMin, true
	case v > float64(ScoreMax):
		return ScoreMax, true
	default:
		return Score(v), false
	}
}
