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

const attendanceColumns = `id, session_id, student_id, status, check_in_time, last_seen_time, confidence, method, notes, created_at, updated_at`

// AttendanceRepository persists attendance rows and re-entry events. The
// recognition commit runs as one transaction guarded by a session row
// lock, which serializes it against the finalizer and concurrent frames.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// CommitResult reports what a recognition commit did.
type CommitResult struct {
	Action     models.ReentryAction
	Attendance *models.Attendance
}

// CommitRecognition records one recognized appearance. First sighting of
// an enrolled student inserts the given status; a repeat updates only
// last_seen_time and confidence and logs a suspicious re-entry; a matched
// but unenrolled student is recorded as INTRUDER. Status and
// check_in_time are never overwritten. Returns SESSION_CLOSED when the
// session is no longer ACTIVE by the time the lock is held.
func (r *AttendanceRepository) CommitRecognition(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, confidence *float64, enrolled bool, now time.Time) (*CommitResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin attendance commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var sessionStatus models.SessionStatus
	if err := tx.GetContext(ctx, &sessionStatus, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, fmt.Errorf("lock session for attendance: %w", err)
	}
	if sessionStatus != models.SessionStatusActive {
		return nil, appErrors.Clone(appErrors.ErrSessionClosed, "session is no longer active")
	}

	var existing models.Attendance
	findQuery := fmt.Sprintf(`SELECT %s FROM attendance WHERE session_id = $1 AND student_id = $2 FOR UPDATE`, attendanceColumns)
	err = tx.GetContext(ctx, &existing, findQuery, sessionID, studentID)
	switch {
	case err == nil:
		// Re-entry: refresh sighting metadata, leave status and
		// check_in_time untouched.
		updated := existing
		updated.LastSeenTime = &now
		if confidence != nil {
			updated.Confidence = confidence
		}
		updated.UpdatedAt = now
		_, uerr := tx.ExecContext(ctx,
			`UPDATE attendance SET last_seen_time = $1, confidence = $2, updated_at = $3 WHERE id = $4`,
			updated.LastSeenTime, updated.Confidence, updated.UpdatedAt, existing.ID)
		if uerr != nil {
			return nil, fmt.Errorf("refresh attendance sighting: %w", uerr)
		}
		if eerr := insertReentryEvent(ctx, tx, sessionID, studentID, models.ReentryActionReentry, true, now); eerr != nil {
			return nil, eerr
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("commit attendance: %w", cerr)
		}
		committed = true
		return &CommitResult{Action: models.ReentryActionReentry, Attendance: &updated}, nil

	case errors.Is(err, sql.ErrNoRows):
		action := models.ReentryActionFirstIn
		suspicious := false
		if !enrolled {
			status = models.AttendanceStatusIntruder
			action = models.ReentryActionIntruder
			suspicious = true
		}

		record := models.Attendance{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			StudentID:    studentID,
			Status:       status,
			CheckInTime:  &now,
			LastSeenTime: &now,
			Confidence:   confidence,
			Method:       models.AttendanceMethodAuto,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		insertQuery := fmt.Sprintf(`INSERT INTO attendance (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, attendanceColumns)
		_, ierr := tx.ExecContext(ctx, insertQuery,
			record.ID, record.SessionID, record.StudentID, record.Status, record.CheckInTime,
			record.LastSeenTime, record.Confidence, record.Method, record.Notes, record.CreatedAt, record.UpdatedAt)
		if ierr != nil {
			var pqErr *pq.Error
			if errors.As(ierr, &pqErr) && pqErr.Code == uniqueViolation {
				// A concurrent writer beat us despite the lock; fail closed.
				return nil, appErrors.Clone(appErrors.ErrSessionClosed, "attendance already recorded")
			}
			return nil, fmt.Errorf("insert attendance: %w", ierr)
		}
		if eerr := insertReentryEvent(ctx, tx, sessionID, studentID, action, suspicious, now); eerr != nil {
			return nil, eerr
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("commit attendance: %w", cerr)
		}
		committed = true
		return &CommitResult{Action: action, Attendance: &record}, nil

	default:
		return nil, fmt.Errorf("find attendance for commit: %w", err)
	}
}

// MarkManual inserts a manual attendance row. A non-enrolled student is
// recorded as INTRUDER with a suspicious re-entry event in the same
// transaction. An existing row is never overwritten; the caller gets
// RE_ENTRY instead.
func (r *AttendanceRepository) MarkManual(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus, notes *string, enrolled bool, now time.Time) (*models.Attendance, error) {
	if !enrolled {
		status = models.AttendanceStatusIntruder
	}

	record := models.Attendance{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		Method:    models.AttendanceMethodManual,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.Attended() {
		record.CheckInTime = &now
		record.LastSeenTime = &now
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin manual mark: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	insertQuery := fmt.Sprintf(`INSERT INTO attendance (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, attendanceColumns)
	_, err = tx.ExecContext(ctx, insertQuery,
		record.ID, record.SessionID, record.StudentID, record.Status, record.CheckInTime,
		record.LastSeenTime, record.Confidence, record.Method, record.Notes, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, appErrors.Clone(appErrors.ErrReEntry, "attendance already recorded for this student")
		}
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session or student not found")
		}
		return nil, fmt.Errorf("mark attendance: %w", err)
	}
	if !enrolled {
		if eerr := insertReentryEvent(ctx, tx, sessionID, studentID, models.ReentryActionIntruder, true, now); eerr != nil {
			return nil, eerr
		}
	}
	if cerr := tx.Commit(); cerr != nil {
		return nil, fmt.Errorf("commit manual mark: %w", cerr)
	}
	committed = true
	return &record, nil
}

// FindBySessionAndStudent returns the attendance row or sql.ErrNoRows.
func (r *AttendanceRepository) FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*models.Attendance, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance WHERE session_id = $1 AND student_id = $2`, attendanceColumns)
	var record models.Attendance
	if err := r.db.GetContext(ctx, &record, query, sessionID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find attendance: %w", err)
	}
	return &record, nil
}

// ListBySession returns all attendance rows with student metadata,
// including rows for students soft-deleted after the session.
func (r *AttendanceRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	query := `SELECT a.id, a.session_id, a.student_id, a.status, a.check_in_time, a.last_seen_time,
        a.confidence, a.method, a.notes, a.created_at, a.updated_at,
        st.name AS student_name, st.external_id AS student_external_id
FROM attendance a
JOIN students st ON st.id = a.student_id
WHERE a.session_id = $1
ORDER BY st.name ASC`

	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("list attendance by session: %w", err)
	}
	return records, nil
}

// ListEventsBySession returns the re-entry event log for a session.
func (r *AttendanceRepository) ListEventsBySession(ctx context.Context, sessionID string) ([]models.ReentryEvent, error) {
	query := `SELECT id, session_id, student_id, action, suspicious, created_at
FROM reentry_events WHERE session_id = $1 ORDER BY created_at ASC`

	var events []models.ReentryEvent
	if err := r.db.SelectContext(ctx, &events, query, sessionID); err != nil {
		return nil, fmt.Errorf("list reentry events: %w", err)
	}
	return events, nil
}

// CountBySessionAndStatus returns per-status attendance counts.
func (r *AttendanceRepository) CountBySessionAndStatus(ctx context.Context, sessionID string) (map[models.AttendanceStatus]int, error) {
	rows := []struct {
		Status models.AttendanceStatus `db:"status"`
		Count  int                     `db:"cnt"`
	}{}
	query := `SELECT status, COUNT(*) AS cnt FROM attendance WHERE session_id = $1 GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("count attendance by status: %w", err)
	}
	counts := make(map[models.AttendanceStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func insertReentryEvent(ctx context.Context, tx *sqlx.Tx, sessionID, studentID string, action models.ReentryAction, suspicious bool, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reentry_events (id, session_id, student_id, action, suspicious, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), sessionID, studentID, action, suspicious, now)
	if err != nil {
		return fmt.Errorf("insert reentry event: %w", err)
	}
	return nil
}
