package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type sessionStoreStub struct {
	sessions    map[string]*models.Session
	overlapping *models.Session
	created     *models.Session
	finalized   []string
	transitions []string
}

func (s *sessionStoreStub) Create(ctx context.Context, session *models.Session, now time.Time) (*models.Session, error) {
	session.ID = "sess-created"
	s.created = session
	return session, nil
}

func (s *sessionStoreStub) FindByID(ctx context.Context, id string) (*models.Session, error) {
	if session, ok := s.sessions[id]; ok {
		copied := *session
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *sessionStoreStub) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error) {
	return nil, 0, nil
}

func (s *sessionStoreStub) ListActive(ctx context.Context, now time.Time) ([]models.Session, error) {
	return nil, nil
}

func (s *sessionStoreStub) FindOverlapping(ctx context.Context, startsAt, endsAt time.Time, statuses []models.SessionStatus) (*models.Session, error) {
	return s.overlapping, nil
}

func (s *sessionStoreStub) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error {
	s.transitions = append(s.transitions, id+":"+string(from)+"->"+string(to))
	if session, ok := s.sessions[id]; ok {
		session.Status = to
	}
	return nil
}

func (s *sessionStoreStub) Finalize(ctx context.Context, sessionID string, now time.Time) (int, error) {
	s.finalized = append(s.finalized, sessionID)
	if session, ok := s.sessions[sessionID]; ok {
		session.Status = models.SessionStatusCompleted
		session.FinalizedAt = &now
	}
	return 3, nil
}

func (s *sessionStoreStub) Overview(ctx context.Context, now time.Time) (*models.SessionOverview, error) {
	return &models.SessionOverview{StatusCounts: map[models.SessionStatus]int{}, Timestamp: now}, nil
}

type courseReaderStub struct {
	courses map[string]*models.Course
}

func (s *courseReaderStub) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if course, ok := s.courses[id]; ok {
		return course, nil
	}
	return nil, sql.ErrNoRows
}

func sessionServiceFixture(now time.Time) (*SessionService, *sessionStoreStub) {
	store := &sessionStoreStub{sessions: map[string]*models.Session{}}
	courses := &courseReaderStub{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Code: "CS101", Name: "Algorithms"},
	}}
	svc := NewSessionService(store, courses, nil,
		&settingsSourceStub{settings: models.DefaultRuntimeSettings()},
		clock.NewFixed(now),
		config.SchedulerConfig{FinalizerBuffer: 5 * time.Minute, LateThresholdDefault: 5 * time.Minute},
		nil, nil)
	return svc, store
}

func TestSessionServiceCreateSetsFinalizeDeadline(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	startsAt := now.Add(time.Hour)

	session, err := svc.Create(context.Background(), CreateSessionRequest{
		CourseID:             "course-1",
		StartsAt:             startsAt,
		EndsAt:               startsAt.Add(time.Hour),
		LateThresholdMinutes: 10,
	})
	require.NoError(t, err)
	assert.False(t, session.AutoCreated)
	assert.Equal(t, models.SessionStatusScheduled, session.Status)
	assert.Equal(t, startsAt.Add(15*time.Minute), session.FinalizeDueAt)
	assert.NotNil(t, store.created)
}

func TestSessionServiceCreateRejectsOverlap(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	store.overlapping = &models.Session{ID: "sess-busy"}
	startsAt := now.Add(time.Hour)

	_, err := svc.Create(context.Background(), CreateSessionRequest{
		CourseID: "course-1",
		StartsAt: startsAt,
		EndsAt:   startsAt.Add(time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestSessionServiceCreateRejectsInvertedWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc, _ := sessionServiceFixture(now)

	_, err := svc.Create(context.Background(), CreateSessionRequest{
		CourseID: "course-1",
		StartsAt: now.Add(2 * time.Hour),
		EndsAt:   now.Add(time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestSessionServiceEndFinalizes(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	store.sessions["sess-1"] = &models.Session{ID: "sess-1", Status: models.SessionStatusActive}

	session, err := svc.End(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, []string{"sess-1"}, store.finalized)
}

func TestSessionServiceEndRequiresActive(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	store.sessions["sess-1"] = &models.Session{ID: "sess-1", Status: models.SessionStatusScheduled}

	_, err := svc.End(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestSessionServiceCancelFromScheduled(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	store.sessions["sess-1"] = &models.Session{ID: "sess-1", Status: models.SessionStatusScheduled}

	session, err := svc.Cancel(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, session.Status)
}

func TestSessionServiceCancelCompletedRejected(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	svc, store := sessionServiceFixture(now)
	store.sessions["sess-1"] = &models.Session{ID: "sess-1", Status: models.SessionStatusCompleted}

	_, err := svc.Cancel(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
