package models

import "time"

// AttendanceStatus represents the outcome recorded for a student in a
// session.
type AttendanceStatus string

const (
	AttendanceStatusPresent  AttendanceStatus = "PRESENT"
	AttendanceStatusLate     AttendanceStatus = "LATE"
	AttendanceStatusAbsent   AttendanceStatus = "ABSENT"
	AttendanceStatusIntruder AttendanceStatus = "INTRUDER"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusAbsent, AttendanceStatusIntruder:
		return true
	default:
		return false
	}
}

// Attended reports whether the status counts as having attended the class.
func (s AttendanceStatus) Attended() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusLate
}

// AttendanceMethod distinguishes camera recognition from manual marking.
type AttendanceMethod string

const (
	AttendanceMethodAuto   AttendanceMethod = "AUTO"
	AttendanceMethodManual AttendanceMethod = "MANUAL"
)

// Attendance is the single row recorded per (session, student). Status and
// check_in_time are immutable once set; only last_seen_time and confidence
// may be refreshed on re-entry.
type Attendance struct {
	ID           string           `db:"id" json:"id"`
	SessionID    string           `db:"session_id" json:"sessionId"`
	StudentID    string           `db:"student_id" json:"studentId"`
	Status       AttendanceStatus `db:"status" json:"status"`
	CheckInTime  *time.Time       `db:"check_in_time" json:"checkInTime,omitempty"`
	LastSeenTime *time.Time       `db:"last_seen_time" json:"lastSeenTime,omitempty"`
	Confidence   *float64         `db:"confidence" json:"confidence,omitempty"`
	Method       AttendanceMethod `db:"method" json:"method"`
	Notes        *string          `db:"notes" json:"notes,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updatedAt"`
}

// AttendanceRecord extends Attendance with student metadata for listings.
// Historical queries tolerate soft-deleted students.
type AttendanceRecord struct {
	Attendance
	StudentName       string `db:"student_name" json:"studentName"`
	StudentExternalID string `db:"student_external_id" json:"studentExternalId"`
}

// ReentryAction classifies a recognition event against existing attendance.
type ReentryAction string

const (
	ReentryActionFirstIn  ReentryAction = "FIRST_IN"
	ReentryActionReentry  ReentryAction = "REENTRY"
	ReentryActionIntruder ReentryAction = "INTRUDER"
)

// ReentryEvent logs each recognition hit; repeated appearances and
// intruders are flagged suspicious.
type ReentryEvent struct {
	ID         string        `db:"id" json:"id"`
	SessionID  string        `db:"session_id" json:"sessionId"`
	StudentID  string        `db:"student_id" json:"studentId"`
	Action     ReentryAction `db:"action" json:"action"`
	Suspicious bool          `db:"suspicious" json:"suspicious"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
}
