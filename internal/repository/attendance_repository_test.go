package repository

import (
	"context"
	"database/sql"
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

func newAttendanceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAttendanceRepositoryCommitRecognitionFirstIn(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 9, 3, 0, 0, time.UTC)
	confidence := 0.91

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.SessionStatusActive)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance WHERE session_id = $1 AND student_id = $2 FOR UPDATE")).
		WithArgs("sess-1", "stu-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-1", models.AttendanceStatusPresent,
			sqlmock.AnyArg(), sqlmock.AnyArg(), &confidence, models.AttendanceMethodAuto, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reentry_events")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-1", models.ReentryActionFirstIn, false, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := repo.CommitRecognition(context.Background(), "sess-1", "stu-1",
		models.AttendanceStatusPresent, &confidence, true, now)
	require.NoError(t, err)
	assert.Equal(t, models.ReentryActionFirstIn, result.Action)
	assert.Equal(t, models.AttendanceStatusPresent, result.Attendance.Status)
	require.NotNil(t, result.Attendance.CheckInTime)
	assert.Equal(t, now, *result.Attendance.CheckInTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryCommitRecognitionReentryKeepsStatus(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	checkIn := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	now := checkIn.Add(20 * time.Minute)
	confidence := 0.88

	existing := sqlmock.NewRows([]string{"id", "session_id", "student_id", "status", "check_in_time",
		"last_seen_time", "confidence", "method", "notes", "created_at", "updated_at"}).
		AddRow("att-1", "sess-1", "stu-1", string(models.AttendanceStatusLate), checkIn,
			checkIn, 0.80, string(models.AttendanceMethodAuto), nil, checkIn, checkIn)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.SessionStatusActive)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance WHERE session_id = $1 AND student_id = $2 FOR UPDATE")).
		WithArgs("sess-1", "stu-1").
		WillReturnRows(existing)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance SET last_seen_time = $1, confidence = $2, updated_at = $3 WHERE id = $4")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), now, "att-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reentry_events")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-1", models.ReentryActionReentry, true, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := repo.CommitRecognition(context.Background(), "sess-1", "stu-1",
		models.AttendanceStatusPresent, &confidence, true, now)
	require.NoError(t, err)
	assert.Equal(t, models.ReentryActionReentry, result.Action)
	// The original status and check-in survive the re-entry.
	assert.Equal(t, models.AttendanceStatusLate, result.Attendance.Status)
	require.NotNil(t, result.Attendance.CheckInTime)
	assert.Equal(t, checkIn, *result.Attendance.CheckInTime)
	require.NotNil(t, result.Attendance.LastSeenTime)
	assert.Equal(t, now, *result.Attendance.LastSeenTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryCommitRecognitionIntruder(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	confidence := 0.95

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.SessionStatusActive)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance WHERE session_id = $1 AND student_id = $2 FOR UPDATE")).
		WithArgs("sess-1", "stu-outsider").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-outsider", models.AttendanceStatusIntruder,
			sqlmock.AnyArg(), sqlmock.AnyArg(), &confidence, models.AttendanceMethodAuto, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reentry_events")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-outsider", models.ReentryActionIntruder, true, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := repo.CommitRecognition(context.Background(), "sess-1", "stu-outsider",
		models.AttendanceStatusPresent, &confidence, false, now)
	require.NoError(t, err)
	assert.Equal(t, models.ReentryActionIntruder, result.Action)
	assert.Equal(t, models.AttendanceStatusIntruder, result.Attendance.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryCommitRecognitionSessionClosed(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.SessionStatusCompleted)))
	mock.ExpectRollback()

	_, err := repo.CommitRecognition(context.Background(), "sess-1", "stu-1",
		models.AttendanceStatusPresent, nil, true, now)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSessionClosed.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryMarkManualEnrolled(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-1", models.AttendanceStatusPresent,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, models.AttendanceMethodManual, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record, err := repo.MarkManual(context.Background(), "sess-1", "stu-1",
		models.AttendanceStatusPresent, nil, true, now)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, record.Status)
	assert.Equal(t, models.AttendanceMethodManual, record.Method)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryMarkManualConflict(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WillReturnError(pqUniqueError())
	mock.ExpectRollback()

	_, err := repo.MarkManual(context.Background(), "sess-1", "stu-1",
		models.AttendanceStatusPresent, nil, true, now)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrReEntry.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryMarkManualOffRosterIntruder(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-outsider", models.AttendanceStatusIntruder,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, models.AttendanceMethodManual, nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reentry_events")).
		WithArgs(sqlmock.AnyArg(), "sess-1", "stu-outsider", models.ReentryActionIntruder, true, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record, err := repo.MarkManual(context.Background(), "sess-1", "stu-outsider",
		models.AttendanceStatusPresent, nil, false, now)
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusIntruder, record.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryListBySession(t *testing.T) {
	db, mock, cleanup := newAttendanceRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "session_id", "student_id", "status", "check_in_time",
		"last_seen_time", "confidence", "method", "notes", "created_at", "updated_at",
		"student_name", "student_external_id"}).
		AddRow("att-1", "sess-1", "stu-1", string(models.AttendanceStatusPresent), now,
			now, 0.9, string(models.AttendanceMethodAuto), nil, now, now, "Ada", "STU001").
		AddRow("att-2", "sess-1", "stu-2", string(models.AttendanceStatusAbsent), nil,
			nil, nil, string(models.AttendanceMethodAuto), nil, now, now, "Grace", "STU002")
	mock.ExpectQuery("FROM attendance a").
		WithArgs("sess-1").
		WillReturnRows(rows)

	records, err := repo.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Ada", records[0].StudentName)
	assert.Equal(t, models.AttendanceStatusAbsent, records[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
