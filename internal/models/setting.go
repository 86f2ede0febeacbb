package models

import "time"

// Setting is a persisted key/value configuration entry.
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Known setting keys.
const (
	SettingConfidenceThreshold     = "confidence_threshold"
	SettingLateThresholdDefault    = "late_threshold_default_minutes"
	SettingFinalizerBufferMinutes  = "finalizer_buffer_minutes"
	SettingSchedulerTickSeconds    = "scheduler_tick_seconds"
	SettingActivationWindowMinutes = "activation_window_minutes"
	SettingEnrollmentKMin          = "enrollment_k_min"
	SettingEnrollmentKMax          = "enrollment_k_max"
)

// RuntimeSettings is the parsed, cached view of the settings table.
// Writers bump Version; readers with a stale version refresh their copy.
type RuntimeSettings struct {
	ConfidenceThreshold         float64 `json:"confidenceThreshold"`
	LateThresholdDefaultMinutes int     `json:"lateThresholdDefaultMinutes"`
	FinalizerBufferMinutes      int     `json:"finalizerBufferMinutes"`
	SchedulerTickSeconds        int     `json:"schedulerTickSeconds"`
	ActivationWindowMinutes     int     `json:"activationWindowMinutes"`
	EnrollmentKMin              int     `json:"enrollmentKMin"`
	EnrollmentKMax              int     `json:"enrollmentKMax"`
	Version                     int64   `json:"version"`
}

// DefaultRuntimeSettings returns the documented defaults.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		ConfidenceThreshold:         0.60,
		LateThresholdDefaultMinutes: 5,
		FinalizerBufferMinutes:      5,
		SchedulerTickSeconds:        60,
		ActivationWindowMinutes:     5,
		EnrollmentKMin:              5,
		EnrollmentKMax:              15,
	}
}
