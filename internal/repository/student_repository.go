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

const studentColumns = `id, external_id, name, department, status, deleted_at, created_at, updated_at`

// studentSortColumns is the allow-list for ORDER BY.
var studentSortColumns = map[string]string{
	"name":        "name",
	"external_id": "external_id",
	"department":  "department",
	"created_at":  "created_at",
}

// StudentRepository persists student records. Soft-deleted rows stay for
// attendance history and are filtered out of every read here.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// Create inserts a student. A live row with the same external id fails
// closed with DUPLICATE_STUDENT_ID; the partial unique index ignores
// soft-deleted rows, so a deleted student's id is reusable.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student, now time.Time) (*models.Student, error) {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	student.Status = models.StudentStatusActive
	student.CreatedAt = now
	student.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO students (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING %s`,
		studentColumns, studentColumns)

	var stored models.Student
	err := r.db.GetContext(ctx, &stored, query,
		student.ID, student.ExternalID, student.Name, student.Department,
		student.Status, student.DeletedAt, student.CreatedAt, student.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, appErrors.Clone(appErrors.ErrDuplicateStudentID, "")
		}
		return nil, fmt.Errorf("create student: %w", err)
	}
	return &stored, nil
}

// FindByID returns a live student or sql.ErrNoRows.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE id = $1 AND deleted_at IS NULL`, studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find student: %w", err)
	}
	return &student, nil
}

// FindByExternalID returns a live student by external id or sql.ErrNoRows.
func (r *StudentRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE external_id = $1 AND deleted_at IS NULL`, studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find student by external id: %w", err)
	}
	return &student, nil
}

// List returns live students matching the filter with embedding and
// course counts.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	where := "s.deleted_at IS NULL"
	args := []interface{}{}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(" AND (s.name ILIKE $%d OR s.external_id ILIKE $%d)", len(args), len(args))
	}
	if filter.Department != "" {
		args = append(args, filter.Department)
		where += fmt.Sprintf(" AND s.department = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND s.status = $%d", len(args))
	}

	sortBy, ok := studentSortColumns[filter.SortBy]
	if !ok {
		sortBy = "name"
	}
	order := "ASC"
	if filter.SortOrder == "desc" || filter.SortOrder == "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT s.id, s.external_id, s.name, s.department, s.status, s.deleted_at, s.created_at, s.updated_at,
        COALESCE(emb.cnt, 0) AS embedding_count,
        COALESCE(enr.cnt, 0) AS course_count
FROM students s
LEFT JOIN (SELECT student_id, COUNT(*) AS cnt FROM embeddings WHERE deleted_at IS NULL GROUP BY student_id) emb ON emb.student_id = s.id
LEFT JOIN (SELECT student_id, COUNT(*) AS cnt FROM enrollments GROUP BY student_id) enr ON enr.student_id = s.id
WHERE %s ORDER BY s.%s %s LIMIT %d OFFSET %d`, where, sortBy, order, size, offset)

	var rows []models.StudentDetail
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM students s WHERE %s`, where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return rows, total, nil
}

// Update changes mutable fields of a live student.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student, now time.Time) (*models.Student, error) {
	student.UpdatedAt = now
	query := fmt.Sprintf(`UPDATE students SET name = $1, department = $2, status = $3, updated_at = $4
WHERE id = $5 AND deleted_at IS NULL RETURNING %s`, studentColumns)

	var stored models.Student
	err := r.db.GetContext(ctx, &stored, query,
		student.Name, student.Department, student.Status, student.UpdatedAt, student.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("update student: %w", err)
	}
	return &stored, nil
}

// SoftDelete marks the student deleted and cascades to their embeddings
// in the same transaction. Attendance history is left intact.
func (r *StudentRepository) SoftDelete(ctx context.Context, id string, now time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin student delete: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE students SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("soft delete student: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete student: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE embeddings SET deleted_at = $1 WHERE student_id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("soft delete student embeddings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit student delete: %w", err)
	}
	committed = true
	return nil
}
