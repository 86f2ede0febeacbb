package models

import (
	"fmt"
	"time"
)

// Weekday is a teaching day. Weekend slots are not supported.
type Weekday string

const (
	WeekdayMonday    Weekday = "MON"
	WeekdayTuesday   Weekday = "TUE"
	WeekdayWednesday Weekday = "WED"
	WeekdayThursday  Weekday = "THU"
	WeekdayFriday    Weekday = "FRI"
)

// Valid returns true when the weekday is a supported teaching day.
func (d Weekday) Valid() bool {
	switch d {
	case WeekdayMonday, WeekdayTuesday, WeekdayWednesday, WeekdayThursday, WeekdayFriday:
		return true
	default:
		return false
	}
}

// WeekdayFromTime maps a time.Time to the teaching-day code, or "" for
// weekends.
func WeekdayFromTime(t time.Time) Weekday {
	switch t.Weekday() {
	case time.Monday:
		return WeekdayMonday
	case time.Tuesday:
		return WeekdayTuesday
	case time.Wednesday:
		return WeekdayWednesday
	case time.Thursday:
		return WeekdayThursday
	case time.Friday:
		return WeekdayFriday
	default:
		return ""
	}
}

// TimetableSlot is a recurring weekly cell mapping a course to a
// time-of-day window. Uniqueness holds over (weekday, slot_index).
type TimetableSlot struct {
	ID                   string    `db:"id" json:"id"`
	Weekday              Weekday   `db:"weekday" json:"weekday"`
	SlotIndex            int       `db:"slot_index" json:"slotIndex"`
	CourseID             string    `db:"course_id" json:"courseId"`
	StartTime            string    `db:"start_time" json:"startTime"`
	EndTime              string    `db:"end_time" json:"endTime"`
	LateThresholdMinutes int       `db:"late_threshold_minutes" json:"lateThresholdMinutes"`
	Active               bool      `db:"active" json:"active"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time `db:"updated_at" json:"updatedAt"`
}

// Window resolves the slot's time-of-day bounds against a calendar date.
// The resulting instants are local wall-clock times in the date's location;
// a DST transition on that date resolves here, once, at construction.
func (s TimetableSlot) Window(date time.Time) (time.Time, time.Time, error) {
	start, err := combineTimeOfDay(date, s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("slot %s start: %w", s.ID, err)
	}
	end, err := combineTimeOfDay(date, s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("slot %s end: %w", s.ID, err)
	}
	return start, end, nil
}

func combineTimeOfDay(date time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, date.Location()), nil
}
