package models

import "time"

// SessionStatus represents the session state machine. Transitions are
// one-way: SCHEDULED -> ACTIVE -> COMPLETED, with CANCELLED reachable from
// SCHEDULED and ACTIVE and terminal.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// Valid returns true when the status is a supported value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusActive, SessionStatusCompleted, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// CanTransitionTo enforces the one-way state machine.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusScheduled:
		return next == SessionStatusActive || next == SessionStatusCancelled
	case SessionStatusActive:
		return next == SessionStatusCompleted || next == SessionStatusCancelled
	default:
		return false
	}
}

// Session is a concrete class meeting with absolute start and end instants.
// At most one non-cancelled session exists per (timetable_slot_id,
// date(starts_at)).
type Session struct {
	ID                   string        `db:"id" json:"id"`
	CourseID             string        `db:"course_id" json:"courseId"`
	TimetableSlotID      *string       `db:"timetable_slot_id" json:"timetableSlotId,omitempty"`
	StartsAt             time.Time     `db:"starts_at" json:"startsAt"`
	EndsAt               time.Time     `db:"ends_at" json:"endsAt"`
	LateThresholdMinutes int           `db:"late_threshold_minutes" json:"lateThresholdMinutes"`
	Status               SessionStatus `db:"status" json:"status"`
	AutoCreated          bool          `db:"auto_created" json:"autoCreated"`
	FinalizeDueAt        time.Time     `db:"finalize_due_at" json:"finalizeDueAt"`
	FinalizedAt          *time.Time    `db:"finalized_at" json:"finalizedAt,omitempty"`
	Notes                *string       `db:"notes" json:"notes,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updatedAt"`
}

// LateCutoff is the instant after which a first check-in classifies LATE.
func (s Session) LateCutoff() time.Time {
	return s.StartsAt.Add(time.Duration(s.LateThresholdMinutes) * time.Minute)
}

// SessionDetail enriches Session with course info.
type SessionDetail struct {
	Session
	CourseCode string `db:"course_code" json:"courseCode"`
	CourseName string `db:"course_name" json:"courseName"`
}

// SessionFilter scopes session listings.
type SessionFilter struct {
	Status    SessionStatus
	Date      *time.Time
	CourseID  string
	Page      int
	PageSize  int
	SortOrder string
}

// SessionOverview is the high-level status snapshot.
type SessionOverview struct {
	ActiveSession *SessionDetail        `json:"activeSession,omitempty"`
	NextScheduled *SessionDetail        `json:"nextScheduled,omitempty"`
	StatusCounts  map[SessionStatus]int `json:"statusCounts"`
	LastCompleted *SessionDetail        `json:"lastCompleted,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}
