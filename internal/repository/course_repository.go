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

const courseColumns = `id, code, name, instructor, active, created_at, updated_at`

// CourseRepository persists courses.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// Create inserts a course; the code is unique.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course, now time.Time) (*models.Course, error) {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	course.CreatedAt = now
	course.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO courses (%s) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING %s`,
		courseColumns, courseColumns)

	var stored models.Course
	err := r.db.GetContext(ctx, &stored, query,
		course.ID, course.Code, course.Name, course.Instructor, course.Active, course.CreatedAt, course.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, appErrors.Clone(appErrors.ErrConflict, "course code already exists")
		}
		return nil, fmt.Errorf("create course: %w", err)
	}
	return &stored, nil
}

// FindByID returns the course or sql.ErrNoRows.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE id = $1`, courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find course: %w", err)
	}
	return &course, nil
}

// List returns all courses ordered by code.
func (r *CourseRepository) List(ctx context.Context, activeOnly bool) ([]models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses`, courseColumns)
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY code ASC`

	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return courses, nil
}

// Update changes mutable fields.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course, now time.Time) (*models.Course, error) {
	course.UpdatedAt = now
	query := fmt.Sprintf(`UPDATE courses SET name = $1, instructor = $2, active = $3, updated_at = $4
WHERE id = $5 RETURNING %s`, courseColumns)

	var stored models.Course
	err := r.db.GetContext(ctx, &stored, query,
		course.Name, course.Instructor, course.Active, course.UpdatedAt, course.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("update course: %w", err)
	}
	return &stored, nil
}
