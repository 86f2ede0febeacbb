package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/internal/repository"
	"github.com/faceattend/faceattend-api/internal/vision"
	"github.com/faceattend/faceattend-api/pkg/clock"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type sessionReaderStub struct {
	sessions map[string]*models.Session
	active   []models.Session
	err      error
}

func (s *sessionReaderStub) FindByID(ctx context.Context, id string) (*models.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if session, ok := s.sessions[id]; ok {
		copied := *session
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *sessionReaderStub) ListActive(ctx context.Context, now time.Time) ([]models.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.active, nil
}

type attendanceStoreStub struct {
	existing   map[string]*models.Attendance
	commits    []repository.CommitResult
	lastStatus models.AttendanceStatus
	commitErr  error
}

func (s *attendanceStoreStub) CommitRecognition(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, confidence *float64, enrolled bool, now time.Time) (*repository.CommitResult, error) {
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	s.lastStatus = status

	key := sessionID + "/" + studentID
	if record, ok := s.existing[key]; ok {
		copied := *record
		copied.LastSeenTime = &now
		result := repository.CommitResult{Action: models.ReentryActionReentry, Attendance: &copied}
		s.commits = append(s.commits, result)
		return &result, nil
	}

	action := models.ReentryActionFirstIn
	if !enrolled {
		status = models.AttendanceStatusIntruder
		action = models.ReentryActionIntruder
	}
	record := &models.Attendance{
		ID:          "att-new",
		SessionID:   sessionID,
		StudentID:   studentID,
		Status:      status,
		CheckInTime: &now,
		Confidence:  confidence,
		Method:      models.AttendanceMethodAuto,
	}
	result := repository.CommitResult{Action: action, Attendance: record}
	s.commits = append(s.commits, result)
	return &result, nil
}

func (s *attendanceStoreStub) MarkManual(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, notes *string, enrolled bool, now time.Time) (*models.Attendance, error) {
	key := sessionID + "/" + studentID
	if _, ok := s.existing[key]; ok {
		return nil, appErrors.Clone(appErrors.ErrReEntry, "attendance already recorded for this student")
	}
	if !enrolled {
		status = models.AttendanceStatusIntruder
	}
	return &models.Attendance{SessionID: sessionID, StudentID: studentID, Status: status, Method: models.AttendanceMethodManual}, nil
}

func (s *attendanceStoreStub) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	return nil, nil
}

func (s *attendanceStoreStub) ListEventsBySession(ctx context.Context, sessionID string) ([]models.ReentryEvent, error) {
	return nil, nil
}

func (s *attendanceStoreStub) CountBySessionAndStatus(ctx context.Context, sessionID string) (map[models.AttendanceStatus]int, error) {
	return map[models.AttendanceStatus]int{}, nil
}

type candidateStoreStub struct {
	gallery      []models.CandidateEmbedding
	lastCourseID string
}

func (s *candidateStoreStub) Candidates(ctx context.Context, courseID string) ([]models.CandidateEmbedding, error) {
	s.lastCourseID = courseID
	return s.gallery, nil
}

type enrollmentCheckerStub struct {
	enrolled map[string]bool
}

func (s *enrollmentCheckerStub) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	return s.enrolled[studentID], nil
}

type studentReaderStub struct {
	students map[string]*models.Student
}

func (s *studentReaderStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := s.students[id]; ok {
		return student, nil
	}
	return nil, sql.ErrNoRows
}

type providerStub struct {
	faces []vision.Face
	err   error
}

func (p *providerStub) Embed(ctx context.Context, image []byte) ([]vision.Face, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.faces, nil
}

type settingsSourceStub struct {
	settings models.RuntimeSettings
}

func (s *settingsSourceStub) Current(ctx context.Context) (*models.RuntimeSettings, error) {
	copied := s.settings
	return &copied, nil
}

func goodFace(embedding []float64) vision.Face {
	return vision.Face{
		BBox:           vision.BBox{X: 10, Y: 10, Width: 160, Height: 160},
		Embedding:      embedding,
		DetectionScore: 0.98,
		Sharpness:      220,
		Yaw:            2,
	}
}

func activeSession(start time.Time) *models.Session {
	return &models.Session{
		ID:                   "sess-1",
		CourseID:             "course-1",
		StartsAt:             start,
		EndsAt:               start.Add(time.Hour),
		LateThresholdMinutes: 5,
		Status:               models.SessionStatusActive,
	}
}

func newRecognizeFixture(now time.Time) (*AttendanceService, *attendanceStoreStub, *sessionReaderStub) {
	start := now.Add(-2 * time.Minute)
	session := activeSession(start)
	sessions := &sessionReaderStub{
		sessions: map[string]*models.Session{"sess-1": session},
		active:   []models.Session{*session},
	}
	attendance := &attendanceStoreStub{existing: map[string]*models.Attendance{}}
	candidates := &candidateStoreStub{
		gallery: []models.CandidateEmbedding{
			{EmbeddingID: "emb-1", StudentID: "stu-1", StudentName: "Ada", ExternalID: "STU001", Vector: []float64{1, 0}, CreatedAt: now.Add(-time.Hour)},
		},
	}
	enrollments := &enrollmentCheckerStub{enrolled: map[string]bool{"stu-1": true}}
	students := &studentReaderStub{students: map[string]*models.Student{
		"stu-1": {ID: "stu-1", Name: "Ada", ExternalID: "STU001"},
	}}
	provider := &providerStub{faces: []vision.Face{goodFace([]float64{1, 0})}}
	settings := &settingsSourceStub{settings: models.DefaultRuntimeSettings()}

	svc := NewAttendanceService(sessions, attendance, candidates, enrollments, students,
		provider, settings, clock.NewFixed(now), 5*time.Second, nil, nil)
	return svc, attendance, sessions
}

func TestRecognizeFirstInOnTime(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, store, _ := newRecognizeFixture(now)

	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, ResultMarked, result.Result)
	assert.Equal(t, models.AttendanceStatusPresent, result.Status)
	assert.Equal(t, "stu-1", result.StudentID)
	assert.Equal(t, models.AttendanceStatusPresent, store.lastStatus)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	// The gallery was fetched for the session's course only.
	assert.Equal(t, "course-1", svc.candidates.(*candidateStoreStub).lastCourseID)
}

func TestRecognizeFirstInAfterCutoffIsLate(t *testing.T) {
	// Session started 2 minutes before now in the fixture; move the start
	// back past the 5 minute cutoff instead.
	now := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	svc, store, sessions := newRecognizeFixture(now)
	session := sessions.sessions["sess-1"]
	session.StartsAt = now.Add(-10 * time.Minute)
	session.EndsAt = session.StartsAt.Add(time.Hour)
	sessions.active = []models.Session{*session}

	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusLate, result.Status)
	assert.Equal(t, models.AttendanceStatusLate, store.lastStatus)
}

func TestRecognizeExactlyAtCutoffIsPresent(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	svc, _, sessions := newRecognizeFixture(now)
	session := sessions.sessions["sess-1"]
	session.StartsAt = now.Add(-5 * time.Minute)
	session.EndsAt = session.StartsAt.Add(time.Hour)
	sessions.active = []models.Session{*session}

	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, result.Status)
}

func TestRecognizeReentryKeepsOriginalStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC)
	svc, store, _ := newRecognizeFixture(now)
	checkIn := now.Add(-15 * time.Minute)
	store.existing["sess-1/stu-1"] = &models.Attendance{
		ID: "att-1", SessionID: "sess-1", StudentID: "stu-1",
		Status: models.AttendanceStatusPresent, CheckInTime: &checkIn,
	}

	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, ResultReEntry, result.Result)
	assert.Equal(t, models.AttendanceStatusPresent, result.Status)
}

func TestRecognizeUnknownFace(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	// Orthogonal query cannot clear the 0.60 threshold.
	svcProvider := svc.provider.(*providerStub)
	svcProvider.faces = []vision.Face{goodFace([]float64{0, 1})}

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnknownFace.Code, appErrors.FromError(err).Code)
}

func TestRecognizeOffRosterFaceIsUnknown(t *testing.T) {
	// A student enrolled elsewhere is not in this course's gallery, so
	// their face never matches and nothing is written.
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, store, _ := newRecognizeFixture(now)
	svc.provider.(*providerStub).faces = []vision.Face{goodFace([]float64{0, 1})}

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnknownFace.Code, appErrors.FromError(err).Code)
	assert.Empty(t, store.commits)
}

func TestRecognizeUnenrolledDuringSessionRecordsIntruder(t *testing.T) {
	// The student was unenrolled after the gallery was loaded; the commit
	// still records the sighting as INTRUDER rather than trusting the
	// stale roster.
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.enrollments.(*enrollmentCheckerStub).enrolled["stu-1"] = false

	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, ResultIntruder, result.Result)
	assert.Equal(t, models.AttendanceStatusIntruder, result.Status)
}

func TestRecognizeNoActiveSession(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	svc, _, sessions := newRecognizeFixture(now)
	sessions.active = nil

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoActiveSession.Code, appErrors.FromError(err).Code)
}

func TestRecognizeAmbiguousSessionNeedsScope(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, sessions := newRecognizeFixture(now)
	second := *sessions.sessions["sess-1"]
	second.ID = "sess-2"
	sessions.active = append(sessions.active, second)

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAmbiguousSession.Code, appErrors.FromError(err).Code)

	// Naming the session resolves the ambiguity.
	result, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame"), SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)
}

func TestRecognizeScopedSessionNotActive(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, sessions := newRecognizeFixture(now)
	sessions.sessions["sess-1"].Status = models.SessionStatusCompleted

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame"), SessionID: "sess-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSessionClosed.Code, appErrors.FromError(err).Code)
}

func TestRecognizeNoFace(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.provider.(*providerStub).faces = nil

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoFace.Code, appErrors.FromError(err).Code)
}

func TestRecognizeMultipleFaces(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.provider.(*providerStub).faces = []vision.Face{goodFace([]float64{1, 0}), goodFace([]float64{0, 1})}

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrMultipleFaces.Code, appErrors.FromError(err).Code)
}

func TestRecognizeNoEnrolledStudents(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.candidates.(*candidateStoreStub).gallery = nil

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoEnrolled.Code, appErrors.FromError(err).Code)
}

func TestRecognizeNoFaceWinsOverEmptyRoster(t *testing.T) {
	// The frame is inspected before the roster, so a faceless frame on an
	// empty course reports NO_FACE, not NO_ENROLLED.
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.provider.(*providerStub).faces = nil
	svc.candidates.(*candidateStoreStub).gallery = nil

	_, err := svc.Recognize(context.Background(), RecognizeRequest{Image: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoFace.Code, appErrors.FromError(err).Code)
}

func TestManualMarkRejectsIntruderStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)

	_, err := svc.Mark(context.Background(), MarkAttendanceRequest{
		SessionID: "sess-1", StudentID: "stu-1", Status: models.AttendanceStatusIntruder,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestManualMarkOnClosedSession(t *testing.T) {
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	svc, _, sessions := newRecognizeFixture(now)
	sessions.sessions["sess-1"].Status = models.SessionStatusCompleted

	_, err := svc.Mark(context.Background(), MarkAttendanceRequest{
		SessionID: "sess-1", StudentID: "stu-1", Status: models.AttendanceStatusPresent,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSessionClosed.Code, appErrors.FromError(err).Code)
}

func TestManualMarkNeverOverwrites(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	svc, store, _ := newRecognizeFixture(now)
	store.existing["sess-1/stu-1"] = &models.Attendance{Status: models.AttendanceStatusLate}

	_, err := svc.Mark(context.Background(), MarkAttendanceRequest{
		SessionID: "sess-1", StudentID: "stu-1", Status: models.AttendanceStatusPresent,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrReEntry.Code, appErrors.FromError(err).Code)
}

func TestManualMarkEnrolledStudent(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)

	result, err := svc.Mark(context.Background(), MarkAttendanceRequest{
		SessionID: "sess-1", StudentID: "stu-1", Status: models.AttendanceStatusPresent,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultMarked, result.Result)
	assert.Equal(t, models.AttendanceStatusPresent, result.Attendance.Status)
}

func TestManualMarkOffRosterRecordsIntruder(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)
	svc, _, _ := newRecognizeFixture(now)
	svc.students.(*studentReaderStub).students["stu-2"] = &models.Student{ID: "stu-2"}

	result, err := svc.Mark(context.Background(), MarkAttendanceRequest{
		SessionID: "sess-1", StudentID: "stu-2", Status: models.AttendanceStatusPresent,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultIntruder, result.Result)
	assert.Equal(t, models.AttendanceStatusIntruder, result.Attendance.Status)
}
