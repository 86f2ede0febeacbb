package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session, now time.Time) (*models.Session, error)
	FindByID(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error)
	ListActive(ctx context.Context, now time.Time) ([]models.Session, error)
	FindOverlapping(ctx context.Context, startsAt, endsAt time.Time, statuses []models.SessionStatus) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error
	Finalize(ctx context.Context, sessionID string, now time.Time) (int, error)
	Overview(ctx context.Context, now time.Time) (*models.SessionOverview, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type overviewCache interface {
	GetOverview(ctx context.Context) (*models.SessionOverview, error)
	SetOverview(ctx context.Context, overview *models.SessionOverview, ttl time.Duration) error
	InvalidateOverview(ctx context.Context) error
}

// CreateSessionRequest describes a manually scheduled session.
type CreateSessionRequest struct {
	CourseID             string    `json:"courseId" validate:"required"`
	StartsAt             time.Time `json:"startsAt" validate:"required"`
	EndsAt               time.Time `json:"endsAt" validate:"required"`
	LateThresholdMinutes int       `json:"lateThresholdMinutes" validate:"omitempty,min=0,max=120"`
	Notes                *string   `json:"notes,omitempty"`
}

// SessionService is the management surface over the session lifecycle.
// The scheduler owns the automatic path; this service covers operator
// actions and reads.
type SessionService struct {
	sessions  sessionStore
	courses   courseReader
	cache     overviewCache
	settings  settingsSource
	clock     clock.Clock
	cfg       config.SchedulerConfig
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSessionService constructs SessionService.
func NewSessionService(
	sessions sessionStore,
	courses courseReader,
	cache overviewCache,
	settings settingsSource,
	clk clock.Clock,
	cfg config.SchedulerConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions:  sessions,
		courses:   courses,
		cache:     cache,
		settings:  settings,
		clock:     clk,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
	}
}

// Create schedules a session manually. A window colliding with a
// scheduled or active session is rejected.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session request")
	}
	if !req.EndsAt.After(req.StartsAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ends_at must be after starts_at")
	}

	now := s.clock.Now()

	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "course lookup failed")
	}

	overlapping, err := s.sessions.FindOverlapping(ctx, req.StartsAt, req.EndsAt,
		[]models.SessionStatus{models.SessionStatusScheduled, models.SessionStatusActive})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "overlap check failed")
	}
	if overlapping != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("window overlaps session %s", overlapping.ID))
	}

	lateThreshold := req.LateThresholdMinutes
	if lateThreshold <= 0 {
		lateThreshold = s.lateThresholdDefaultMinutes(ctx)
	}
	buffer := s.cfg.FinalizerBuffer
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}

	session := &models.Session{
		CourseID:             req.CourseID,
		StartsAt:             req.StartsAt,
		EndsAt:               req.EndsAt,
		LateThresholdMinutes: lateThreshold,
		Status:               models.SessionStatusScheduled,
		AutoCreated:          false,
		FinalizeDueAt:        req.StartsAt.Add(time.Duration(lateThreshold) * time.Minute).Add(buffer),
		Notes:                req.Notes,
	}
	stored, err := s.sessions.Create(ctx, session, now)
	if err != nil {
		return nil, err
	}

	s.invalidateOverview(ctx)
	s.logger.Sugar().Infow("session created manually",
		"session_id", stored.ID, "course_id", stored.CourseID, "starts_at", stored.StartsAt)
	return stored, nil
}

// Get returns one session.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "session lookup failed")
	}
	return session, nil
}

// List returns sessions with pagination metadata.
func (s *SessionService) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, *models.Pagination, error) {
	sessions, total, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	return sessions, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Activate starts a SCHEDULED session ahead of the scheduler.
func (s *SessionService) Activate(ctx context.Context, id string) (*models.Session, error) {
	return s.transition(ctx, id, models.SessionStatusActive)
}

// End finalizes an ACTIVE session immediately: absentees are marked and
// the session completes.
func (s *SessionService) End(ctx context.Context, id string) (*models.Session, error) {
	now := s.clock.Now()

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusActive {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("cannot end session in status %s", session.Status))
	}

	marked, err := s.sessions.Finalize(ctx, id, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize session")
	}

	s.invalidateOverview(ctx)
	s.logger.Sugar().Infow("session ended manually", "session_id", id, "absent_marked", marked)
	return s.Get(ctx, id)
}

// Cancel aborts a session that has not completed.
func (s *SessionService) Cancel(ctx context.Context, id string) (*models.Session, error) {
	return s.transition(ctx, id, models.SessionStatusCancelled)
}

// Overview returns the cached status snapshot, falling back to Postgres
// on a cold cache.
func (s *SessionService) Overview(ctx context.Context) (*models.SessionOverview, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetOverview(ctx); err == nil {
			return cached, nil
		}
	}

	now := s.clock.Now()
	overview, err := s.sessions.Overview(ctx, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build overview")
	}
	if s.cache != nil {
		if err := s.cache.SetOverview(ctx, overview, 30*time.Second); err != nil {
			s.logger.Sugar().Warnw("overview cache write failed", "error", err)
		}
	}
	return overview, nil
}

func (s *SessionService) transition(ctx context.Context, id string, to models.SessionStatus) (*models.Session, error) {
	now := s.clock.Now()

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransitionTo(to) {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("cannot move session from %s to %s", session.Status, to))
	}

	if err := s.sessions.UpdateStatus(ctx, id, session.Status, to, now); err != nil {
		return nil, err
	}

	s.invalidateOverview(ctx)
	s.logger.Sugar().Infow("session transitioned", "session_id", id, "from", session.Status, "to", to)
	return s.Get(ctx, id)
}

func (s *SessionService) invalidateOverview(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOverview(ctx); err != nil {
		s.logger.Sugar().Warnw("overview cache invalidation failed", "error", err)
	}
}

func (s *SessionService) lateThresholdDefaultMinutes(ctx context.Context) int {
	if settings, err := s.settings.Current(ctx); err == nil && settings != nil && settings.LateThresholdDefaultMinutes > 0 {
		return settings.LateThresholdDefaultMinutes
	}
	if s.cfg.LateThresholdDefault > 0 {
		return int(s.cfg.LateThresholdDefault / time.Minute)
	}
	return 5
}
