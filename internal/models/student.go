package models

import "time"

// StudentStatus represents the lifecycle of a student record.
type StudentStatus string

const (
	StudentStatusActive   StudentStatus = "ACTIVE"
	StudentStatusInactive StudentStatus = "INACTIVE"
)

// Student represents a learner registered for face attendance. Soft-deleted
// students keep their historical attendance but are invisible to every
// other read path.
type Student struct {
	ID         string        `db:"id" json:"id"`
	ExternalID string        `db:"external_id" json:"externalId"`
	Name       string        `db:"name" json:"name"`
	Department string        `db:"department" json:"department"`
	Status     StudentStatus `db:"status" json:"status"`
	DeletedAt  *time.Time    `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updatedAt"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search     string
	Department string
	Status     StudentStatus
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

// StudentDetail contains student information with enrollment context.
type StudentDetail struct {
	Student
	EmbeddingCount int `db:"embedding_count" json:"embeddingCount"`
	CourseCount    int `db:"course_count" json:"courseCount"`
}
