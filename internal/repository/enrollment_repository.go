package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/faceattend/faceattend-api/internal/models"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

// EnrollmentRepository links students to courses.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Enroll registers a student into a course. A duplicate pair fails closed
// with ENROLLMENT_CONFLICT.
func (r *EnrollmentRepository) Enroll(ctx context.Context, studentID, courseID string, now time.Time) (*models.Enrollment, error) {
	enrollment := models.Enrollment{
		ID:        uuid.NewString(),
		StudentID: studentID,
		CourseID:  courseID,
		CreatedAt: now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO enrollments (id, student_id, course_id, created_at) VALUES ($1, $2, $3, $4)`,
		enrollment.ID, enrollment.StudentID, enrollment.CourseID, enrollment.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case uniqueViolation:
				return nil, appErrors.Clone(appErrors.ErrEnrollmentConflict, "")
			case foreignKeyViolation:
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student or course not found")
			}
		}
		return nil, fmt.Errorf("enroll student: %w", err)
	}
	return &enrollment, nil
}

// Unenroll removes a registration. Missing pairs return sql.ErrNoRows.
func (r *EnrollmentRepository) Unenroll(ctx context.Context, studentID, courseID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE student_id = $1 AND course_id = $2`, studentID, courseID)
	if err != nil {
		return fmt.Errorf("unenroll student: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unenroll student: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsEnrolled reports whether a live student is registered in the course.
func (r *EnrollmentRepository) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(
SELECT 1 FROM enrollments e
JOIN students st ON st.id = e.student_id AND st.deleted_at IS NULL
WHERE e.student_id = $1 AND e.course_id = $2)`
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID); err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return exists, nil
}

// ListByCourse returns registrations for a course with student metadata,
// hiding soft-deleted students.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	query := `SELECT e.id, e.student_id, e.course_id, e.created_at,
        st.name AS student_name, st.external_id AS student_external_id,
        c.code AS course_code, c.name AS course_name
FROM enrollments e
JOIN students st ON st.id = e.student_id AND st.deleted_at IS NULL
JOIN courses c ON c.id = e.course_id
WHERE e.course_id = $1
ORDER BY st.name ASC`

	var rows []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &rows, query, courseID); err != nil {
		return nil, fmt.Errorf("list enrollments by course: %w", err)
	}
	return rows, nil
}

// ListByStudent returns a live student's registrations with course info.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error) {
	query := `SELECT e.id, e.student_id, e.course_id, e.created_at,
        st.name AS student_name, st.external_id AS student_external_id,
        c.code AS course_code, c.name AS course_name
FROM enrollments e
JOIN students st ON st.id = e.student_id AND st.deleted_at IS NULL
JOIN courses c ON c.id = e.course_id
WHERE e.student_id = $1
ORDER BY c.code ASC`

	var rows []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("list enrollments by student: %w", err)
	}
	return rows, nil
}
