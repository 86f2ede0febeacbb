package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type courseStore interface {
	Create(ctx context.Context, course *models.Course, now time.Time) (*models.Course, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	List(ctx context.Context, activeOnly bool) ([]models.Course, error)
	Update(ctx context.Context, course *models.Course, now time.Time) (*models.Course, error)
}

type enrollmentStore interface {
	Enroll(ctx context.Context, studentID, courseID string, now time.Time) (*models.Enrollment, error)
	Unenroll(ctx context.Context, studentID, courseID string) error
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
}

// CreateCourseRequest describes course creation.
type CreateCourseRequest struct {
	Code       string `json:"code" validate:"required,min=2,max=32"`
	Name       string `json:"name" validate:"required,min=2,max=160"`
	Instructor string `json:"instructor" validate:"omitempty,max=120"`
}

// UpdateCourseRequest describes a course update.
type UpdateCourseRequest struct {
	Name       string `json:"name" validate:"required,min=2,max=160"`
	Instructor string `json:"instructor" validate:"omitempty,max=120"`
	Active     bool   `json:"active"`
}

// EnrollRequest registers a student into a course.
type EnrollRequest struct {
	StudentID string `json:"studentId" validate:"required"`
}

// CourseService manages courses and their rosters.
type CourseService struct {
	courses     courseStore
	enrollments enrollmentStore
	students    studentReader
	clock       clock.Clock
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(
	courses courseStore,
	enrollments enrollmentStore,
	students studentReader,
	clk clock.Clock,
	validate *validator.Validate,
	logger *zap.Logger,
) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{
		courses:     courses,
		enrollments: enrollments,
		students:    students,
		clock:       clk,
		validator:   validate,
		logger:      logger,
	}
}

// Create adds a new course.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	now := s.clock.Now()
	course := &models.Course{
		Code:       strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:       strings.TrimSpace(req.Name),
		Instructor: strings.TrimSpace(req.Instructor),
		Active:     true,
	}
	stored, err := s.courses.Create(ctx, course, now)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("course created", "course_id", stored.ID, "code", stored.Code)
	return stored, nil
}

// Get returns one course.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "course lookup failed")
	}
	return course, nil
}

// List returns courses.
func (s *CourseService) List(ctx context.Context, activeOnly bool) ([]models.Course, error) {
	courses, err := s.courses.List(ctx, activeOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	return courses, nil
}

// Update changes mutable course fields.
func (s *CourseService) Update(ctx context.Context, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	now := s.clock.Now()
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	course.Name = strings.TrimSpace(req.Name)
	course.Instructor = strings.TrimSpace(req.Instructor)
	course.Active = req.Active

	stored, err := s.courses.Update(ctx, course, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}
	return stored, nil
}

// Enroll registers a student into the course.
func (s *CourseService) Enroll(ctx context.Context, courseID string, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	now := s.clock.Now()
	if _, err := s.Get(ctx, courseID); err != nil {
		return nil, err
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "student lookup failed")
	}

	enrollment, err := s.enrollments.Enroll(ctx, req.StudentID, courseID, now)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("student enrolled", "student_id", req.StudentID, "course_id", courseID)
	return enrollment, nil
}

// Unenroll removes a registration.
func (s *CourseService) Unenroll(ctx context.Context, courseID, studentID string) error {
	if err := s.enrollments.Unenroll(ctx, studentID, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to unenroll student")
	}
	s.logger.Sugar().Infow("student unenrolled", "student_id", studentID, "course_id", courseID)
	return nil
}

// Roster returns the course's enrolled students.
func (s *CourseService) Roster(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	if _, err := s.Get(ctx, courseID); err != nil {
		return nil, err
	}
	roster, err := s.enrollments.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list roster")
	}
	return roster, nil
}
