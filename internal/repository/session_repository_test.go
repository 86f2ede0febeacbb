package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faceattend/faceattend-api/internal/models"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

func newSessionRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func sessionRowColumns() []string {
	return []string{"id", "course_id", "timetable_slot_id", "starts_at", "ends_at",
		"late_threshold_minutes", "status", "auto_created", "finalize_due_at",
		"finalized_at", "notes", "created_at", "updated_at"}
}

func TestSessionRepositoryFindOrCreateForSlotReturnsExisting(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	slotID := "slot-1"
	startsAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := startsAt.Add(30 * time.Second)

	rows := sqlmock.NewRows(sessionRowColumns()).
		AddRow("sess-1", "course-1", slotID, startsAt, startsAt.Add(time.Hour),
			5, string(models.SessionStatusScheduled), true, startsAt.Add(10*time.Minute),
			nil, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("date(starts_at) = date($2)")).
		WithArgs(slotID, startsAt, models.SessionStatusCancelled).
		WillReturnRows(rows)

	session, created, err := repo.FindOrCreateForSlot(context.Background(), &models.Session{
		CourseID:        "course-1",
		TimetableSlotID: &slotID,
		StartsAt:        startsAt,
		EndsAt:          startsAt.Add(time.Hour),
		Status:          models.SessionStatusScheduled,
	}, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "sess-1", session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryListDueToFinalize(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)
	now := time.Date(2026, 3, 2, 9, 11, 0, 0, time.UTC)
	startsAt := now.Add(-11 * time.Minute)

	rows := sqlmock.NewRows(sessionRowColumns()).
		AddRow("sess-1", "course-1", "slot-1", startsAt, startsAt.Add(time.Hour),
			5, string(models.SessionStatusActive), true, startsAt.Add(10*time.Minute),
			nil, nil, startsAt, startsAt)
	mock.ExpectQuery(regexp.QuoteMeta("finalize_due_at <= $2 AND finalized_at IS NULL")).
		WithArgs(models.SessionStatusActive, now).
		WillReturnRows(rows)

	sessions, err := repo.ListDueToFinalize(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryUpdateStatusRejectsIllegalTransition(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	err := repo.UpdateStatus(context.Background(), "sess-1",
		models.SessionStatusCompleted, models.SessionStatusActive, time.Now())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryUpdateStatusConcurrentChange(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(models.SessionStatusActive, now, "sess-1", models.SessionStatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "sess-1",
		models.SessionStatusScheduled, models.SessionStatusActive, now)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFinalizeMarksAbsentAndCompletes(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)
	startsAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := startsAt.Add(11 * time.Minute)

	lockRows := sqlmock.NewRows(sessionRowColumns()).
		AddRow("sess-1", "course-1", "slot-1", startsAt, startsAt.Add(time.Hour),
			5, string(models.SessionStatusActive), true, startsAt.Add(10*time.Minute),
			nil, nil, startsAt, startsAt)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(lockRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WithArgs("sess-1", models.AttendanceStatusAbsent, models.AttendanceMethodAuto, now, "course-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET status = $1, finalized_at = $2, updated_at = $2 WHERE id = $3")).
		WithArgs(models.SessionStatusCompleted, now, "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	marked, err := repo.Finalize(context.Background(), "sess-1", now)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFinalizeIdempotentOnTerminal(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)
	startsAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := startsAt.Add(time.Hour)
	finalized := startsAt.Add(11 * time.Minute)

	lockRows := sqlmock.NewRows(sessionRowColumns()).
		AddRow("sess-1", "course-1", "slot-1", startsAt, startsAt.Add(time.Hour),
			5, string(models.SessionStatusCompleted), true, startsAt.Add(10*time.Minute),
			finalized, nil, startsAt, finalized)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(lockRows)
	mock.ExpectRollback()

	marked, err := repo.Finalize(context.Background(), "sess-1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateOverlapConflict(t *testing.T) {
	db, mock, cleanup := newSessionRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnError(pqUniqueError())

	_, err := repo.Create(context.Background(), &models.Session{
		CourseID: "course-1",
		StartsAt: now,
		EndsAt:   now.Add(time.Hour),
		Status:   models.SessionStatusScheduled,
	}, now)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
