package service

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type studentStore interface {
	Create(ctx context.Context, student *models.Student, now time.Time) (*models.Student, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Student, error)
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	Update(ctx context.Context, student *models.Student, now time.Time) (*models.Student, error)
	SoftDelete(ctx context.Context, id string, now time.Time) error
}

type studentEnrollments interface {
	ListByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error)
}

// CreateStudentRequest describes student registration.
type CreateStudentRequest struct {
	ExternalID string `json:"externalId" validate:"required"`
	Name       string `json:"name" validate:"required,min=2,max=120"`
	Department string `json:"department" validate:"omitempty,max=120"`
}

// UpdateStudentRequest describes a student update.
type UpdateStudentRequest struct {
	Name       string               `json:"name" validate:"required,min=2,max=120"`
	Department string               `json:"department" validate:"omitempty,max=120"`
	Status     models.StudentStatus `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
}

// StudentService manages the student roster. External ids must match a
// configured pattern; a soft-deleted student frees their id for reuse.
type StudentService struct {
	students    studentStore
	enrollments studentEnrollments
	idPattern   *regexp.Regexp
	clock       clock.Clock
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewStudentService constructs StudentService. An invalid pattern falls
// back to accepting any non-empty id.
func NewStudentService(
	students studentStore,
	enrollments studentEnrollments,
	externalIDPattern string,
	clk clock.Clock,
	validate *validator.Validate,
	logger *zap.Logger,
) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern, err := regexp.Compile(externalIDPattern)
	if err != nil || externalIDPattern == "" {
		pattern = regexp.MustCompile(`^.+$`)
	}
	return &StudentService{
		students:    students,
		enrollments: enrollments,
		idPattern:   pattern,
		clock:       clk,
		validator:   validate,
		logger:      logger,
	}
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	externalID := strings.ToUpper(strings.TrimSpace(req.ExternalID))
	if !s.idPattern.MatchString(externalID) {
		return nil, appErrors.Clone(appErrors.ErrInvalidIDFormat, "")
	}

	now := s.clock.Now()
	student := &models.Student{
		ExternalID: externalID,
		Name:       strings.TrimSpace(req.Name),
		Department: strings.TrimSpace(req.Department),
	}
	stored, err := s.students.Create(ctx, student, now)
	if err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("student created", "student_id", stored.ID, "external_id", stored.ExternalID)
	return stored, nil
}

// Get returns one live student.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "student lookup failed")
	}
	return student, nil
}

// List returns students with pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	students, total, err := s.students.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	return students, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Update changes mutable student fields.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	now := s.clock.Now()
	student, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	student.Name = strings.TrimSpace(req.Name)
	student.Department = strings.TrimSpace(req.Department)
	student.Status = req.Status

	stored, err := s.students.Update(ctx, student, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	return stored, nil
}

// Delete soft-deletes the student. Attendance history survives; the
// embedding gallery goes with them and the external id becomes reusable.
func (s *StudentService) Delete(ctx context.Context, id string) error {
	now := s.clock.Now()
	if err := s.students.SoftDelete(ctx, id, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete student")
	}
	s.logger.Sugar().Infow("student deleted", "student_id", id)
	return nil
}

// Courses returns the student's course registrations.
func (s *StudentService) Courses(ctx context.Context, id string) ([]models.EnrollmentDetail, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	courses, err := s.enrollments.ListByStudent(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student courses")
	}
	return courses, nil
}
