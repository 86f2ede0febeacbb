package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/internal/recognition"
	"github.com/faceattend/faceattend-api/internal/repository"
	"github.com/faceattend/faceattend-api/internal/vision"
	"github.com/faceattend/faceattend-api/pkg/clock"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type sessionReader interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	ListActive(ctx context.Context, now time.Time) ([]models.Session, error)
}

type attendanceStore interface {
	CommitRecognition(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, confidence *float64, enrolled bool, now time.Time) (*repository.CommitResult, error)
	MarkManual(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, notes *string, enrolled bool, now time.Time) (*models.Attendance, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
	ListEventsBySession(ctx context.Context, sessionID string) ([]models.ReentryEvent, error)
	CountBySessionAndStatus(ctx context.Context, sessionID string) (map[models.AttendanceStatus]int, error)
}

type candidateStore interface {
	Candidates(ctx context.Context, courseID string) ([]models.CandidateEmbedding, error)
}

type enrollmentChecker interface {
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type settingsSource interface {
	Current(ctx context.Context) (*models.RuntimeSettings, error)
}

// RecognizeRequest carries one camera frame for attendance marking.
type RecognizeRequest struct {
	Image     []byte `validate:"required"`
	SessionID string
}

// Result kinds reported by the recognition and manual mark surfaces.
const (
	ResultMarked   = "MARKED"
	ResultReEntry  = "RE_ENTRY"
	ResultIntruder = "INTRUDER"
)

// RecognizeResult is the committed outcome of one recognized frame.
type RecognizeResult struct {
	Result      string                  `json:"result"`
	SessionID   string                  `json:"sessionId"`
	Status      models.AttendanceStatus `json:"status"`
	StudentID   string                  `json:"studentId"`
	StudentName string                  `json:"studentName"`
	ExternalID  string                  `json:"externalId"`
	Confidence  float64                 `json:"confidence"`
	CheckInTime *time.Time              `json:"checkInTime,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// MarkAttendanceRequest is a manual mark by an operator.
type MarkAttendanceRequest struct {
	SessionID string                  `json:"sessionId" validate:"required"`
	StudentID string                  `json:"studentId" validate:"required"`
	Status    models.AttendanceStatus `json:"status" validate:"required"`
	Notes     *string                 `json:"notes,omitempty"`
}

// MarkResult is the committed outcome of a manual mark.
type MarkResult struct {
	Result     string             `json:"result"`
	SessionID  string             `json:"sessionId"`
	StudentID  string             `json:"studentId"`
	Attendance *models.Attendance `json:"attendance"`
}

// SessionAttendance bundles a session's rows with per-status counts.
type SessionAttendance struct {
	SessionID string                          `json:"sessionId"`
	Records   []models.AttendanceRecord       `json:"records"`
	Counts    map[models.AttendanceStatus]int `json:"counts"`
}

// AttendanceService runs the recognition pipeline and manual marking. It
// reads the clock once per request; every time comparison inside one
// request uses that instant.
type AttendanceService struct {
	sessions    sessionReader
	attendance  attendanceStore
	candidates  candidateStore
	enrollments enrollmentChecker
	students    studentReader
	provider    vision.Provider
	settings    settingsSource
	clock       clock.Clock
	deadline    time.Duration
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAttendanceService constructs AttendanceService.
func NewAttendanceService(
	sessions sessionReader,
	attendance attendanceStore,
	candidates candidateStore,
	enrollments enrollmentChecker,
	students studentReader,
	provider vision.Provider,
	settings settingsSource,
	clk clock.Clock,
	deadline time.Duration,
	validate *validator.Validate,
	logger *zap.Logger,
) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &AttendanceService{
		sessions:    sessions,
		attendance:  attendance,
		candidates:  candidates,
		enrollments: enrollments,
		students:    students,
		provider:    provider,
		settings:    settings,
		clock:       clk,
		deadline:    deadline,
		validator:   validate,
		logger:      logger,
	}
}

// Recognize processes one frame end to end: session resolution, embedding
// extraction, gallery matching, and the transactional attendance commit.
func (s *AttendanceService) Recognize(ctx context.Context, req RecognizeRequest) (*RecognizeResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "image is required")
	}

	now := s.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	session, err := s.resolveSession(ctx, req.SessionID, now)
	if err != nil {
		return nil, err
	}

	faces, err := s.provider.Embed(ctx, req.Image)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoFace, "")
	}
	if len(faces) > 1 {
		return nil, appErrors.Clone(appErrors.ErrMultipleFaces, "")
	}

	query, err := recognition.Normalize(faces[0].Embedding)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidImage.Code, appErrors.ErrInvalidImage.Status, "unusable embedding")
	}

	// Candidates are restricted to the session's roster, so a matched
	// student is enrolled by construction and an off-roster face can
	// only surface as UNKNOWN_FACE.
	gallery, err := s.candidates.Candidates(ctx, session.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "candidate lookup failed")
	}
	if len(gallery) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoEnrolled, "")
	}

	threshold := s.confidenceThreshold(ctx)
	match, ok := recognition.BestMatch(query, gallery, threshold)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnknownFace, "")
	}

	enrolled, err := s.enrollments.IsEnrolled(ctx, match.StudentID, session.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "enrollment lookup failed")
	}

	status := models.AttendanceStatusPresent
	if now.After(session.LateCutoff()) {
		status = models.AttendanceStatusLate
	}

	confidence := match.Similarity
	commit, err := s.attendance.CommitRecognition(ctx, session.ID, match.StudentID, status, &confidence, enrolled, now)
	if err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("recognition committed",
		"session_id", session.ID,
		"student_id", match.StudentID,
		"result", resultKind(commit.Action),
		"status", commit.Attendance.Status,
		"confidence", match.Similarity)

	return &RecognizeResult{
		Result:      resultKind(commit.Action),
		SessionID:   session.ID,
		Status:      commit.Attendance.Status,
		StudentID:   match.StudentID,
		StudentName: match.StudentName,
		ExternalID:  match.ExternalID,
		Confidence:  match.Similarity,
		CheckInTime: commit.Attendance.CheckInTime,
		Timestamp:   now,
	}, nil
}

func resultKind(action models.ReentryAction) string {
	switch action {
	case models.ReentryActionReentry:
		return ResultReEntry
	case models.ReentryActionIntruder:
		return ResultIntruder
	default:
		return ResultMarked
	}
}

// Mark records a manual attendance decision. Existing rows are never
// overwritten; the operator gets a conflict instead. A student outside
// the session's roster is still recorded, as INTRUDER.
func (s *AttendanceService) Mark(ctx context.Context, req MarkAttendanceRequest) (*MarkResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mark request")
	}
	if !req.Status.Valid() || req.Status == models.AttendanceStatusIntruder {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be PRESENT, LATE or ABSENT")
	}

	now := s.clock.Now()

	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "session lookup failed")
	}
	if session.Status != models.SessionStatusActive {
		return nil, appErrors.Clone(appErrors.ErrSessionClosed, "")
	}

	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "student lookup failed")
	}

	enrolled, err := s.enrollments.IsEnrolled(ctx, req.StudentID, session.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "enrollment lookup failed")
	}

	record, err := s.attendance.MarkManual(ctx, req.SessionID, req.StudentID, req.Status, req.Notes, enrolled, now)
	if err != nil {
		return nil, err
	}

	result := ResultMarked
	if !enrolled {
		result = ResultIntruder
	}
	s.logger.Sugar().Infow("manual attendance marked",
		"session_id", req.SessionID, "student_id", req.StudentID, "status", record.Status, "result", result)
	return &MarkResult{
		Result:     result,
		SessionID:  req.SessionID,
		StudentID:  req.StudentID,
		Attendance: record,
	}, nil
}

// ListBySession returns a session's attendance with per-status counts.
func (s *AttendanceService) ListBySession(ctx context.Context, sessionID string) (*SessionAttendance, error) {
	if _, err := s.sessions.FindByID(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "session lookup failed")
	}

	records, err := s.attendance.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	counts, err := s.attendance.CountBySessionAndStatus(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance")
	}
	return &SessionAttendance{SessionID: sessionID, Records: records, Counts: counts}, nil
}

// ListEvents returns the re-entry event log for a session.
func (s *AttendanceService) ListEvents(ctx context.Context, sessionID string) ([]models.ReentryEvent, error) {
	events, err := s.attendance.ListEventsBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list events")
	}
	return events, nil
}

func (s *AttendanceService) resolveSession(ctx context.Context, sessionID string, now time.Time) (*models.Session, error) {
	if sessionID != "" {
		session, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "session lookup failed")
		}
		if session.Status != models.SessionStatusActive {
			return nil, appErrors.Clone(appErrors.ErrSessionClosed, "")
		}
		return session, nil
	}

	active, err := s.sessions.ListActive(ctx, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "active session lookup failed")
	}
	switch len(active) {
	case 0:
		return nil, appErrors.Clone(appErrors.ErrNoActiveSession, "")
	case 1:
		return &active[0], nil
	default:
		return nil, appErrors.Clone(appErrors.ErrAmbiguousSession, "")
	}
}

func (s *AttendanceService) confidenceThreshold(ctx context.Context) float64 {
	settings, err := s.settings.Current(ctx)
	if err != nil || settings == nil {
		defaults := models.DefaultRuntimeSettings()
		return defaults.ConfidenceThreshold
	}
	return settings.ConfidenceThreshold
}
