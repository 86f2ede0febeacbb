package models

import "time"

// Course represents a taught course that students enroll into.
type Course struct {
	ID         string    `db:"id" json:"id"`
	Code       string    `db:"code" json:"code"`
	Name       string    `db:"name" json:"name"`
	Instructor string    `db:"instructor" json:"instructor"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Enrollment registers a student to a course. Uniqueness holds over
// (student_id, course_id).
type Enrollment struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_id" json:"studentId"`
	CourseID  string    `db:"course_id" json:"courseId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// EnrollmentDetail enriches Enrollment with student and course info.
type EnrollmentDetail struct {
	Enrollment
	StudentName       string `db:"student_name" json:"studentName"`
	StudentExternalID string `db:"student_external_id" json:"studentExternalId"`
	CourseCode        string `db:"course_code" json:"courseCode"`
	CourseName        string `db:"course_name" json:"courseName"`
}
