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

const sessionColumns = `id, course_id, timetable_slot_id, starts_at, ends_at, late_threshold_minutes, status, auto_created, finalize_due_at, finalized_at, notes, created_at, updated_at`

// SessionRepository handles persistence for class sessions and owns the
// finalization transaction.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindOrCreateForSlot returns the existing non-cancelled session for
// (slot, date) or inserts a new one. The unique partial index on
// (timetable_slot_id, date(starts_at)) makes concurrent creation safe.
func (r *SessionRepository) FindOrCreateForSlot(ctx context.Context, session *models.Session, now time.Time) (*models.Session, bool, error) {
	if session.TimetableSlotID == nil {
		return nil, false, fmt.Errorf("find or create session: slot id required")
	}

	existing, err := r.findBySlotAndDate(ctx, *session.TimetableSlotID, session.StartsAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO sessions (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING %s`, sessionColumns, sessionColumns)

	var stored models.Session
	err = r.db.GetContext(ctx, &stored, query,
		session.ID, session.CourseID, session.TimetableSlotID, session.StartsAt, session.EndsAt,
		session.LateThresholdMinutes, session.Status, session.AutoCreated, session.FinalizeDueAt,
		session.FinalizedAt, session.Notes, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Lost the race; the winner's row is authoritative.
			existing, ferr := r.findBySlotAndDate(ctx, *session.TimetableSlotID, session.StartsAt)
			if ferr != nil {
				return nil, false, fmt.Errorf("find session after conflict: %w", ferr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create session for slot: %w", err)
	}
	return &stored, true, nil
}

func (r *SessionRepository) findBySlotAndDate(ctx context.Context, slotID string, startsAt time.Time) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE timetable_slot_id = $1 AND date(starts_at) = date($2) AND status <> $3`, sessionColumns)

	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, slotID, startsAt, models.SessionStatusCancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find session by slot and date: %w", err)
	}
	return &session, nil
}

// Create inserts a manually created session.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session, now time.Time) (*models.Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO sessions (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING %s`, sessionColumns, sessionColumns)

	var stored models.Session
	err := r.db.GetContext(ctx, &stored, query,
		session.ID, session.CourseID, session.TimetableSlotID, session.StartsAt, session.EndsAt,
		session.LateThresholdMinutes, session.Status, session.AutoCreated, session.FinalizeDueAt,
		session.FinalizedAt, session.Notes, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, appErrors.Clone(appErrors.ErrConflict, "a session already exists for this slot and date")
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &stored, nil
}

// FindByID returns the session or sql.ErrNoRows.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// ListActive returns sessions whose window contains now, ordered by start.
func (r *SessionRepository) ListActive(ctx context.Context, now time.Time) ([]models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE status = $1 AND starts_at <= $2 AND ends_at > $2
ORDER BY starts_at ASC`, sessionColumns)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionStatusActive, now); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// ListDueToActivate returns SCHEDULED sessions whose start has arrived and
// whose end has not passed.
func (r *SessionRepository) ListDueToActivate(ctx context.Context, now time.Time) ([]models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE status = $1 AND starts_at <= $2 AND ends_at > $2
ORDER BY starts_at ASC`, sessionColumns)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionStatusScheduled, now); err != nil {
		return nil, fmt.Errorf("list sessions due to activate: %w", err)
	}
	return sessions, nil
}

// ListDueToClose returns ACTIVE sessions whose end has passed.
func (r *SessionRepository) ListDueToClose(ctx context.Context, now time.Time) ([]models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE status = $1 AND ends_at <= $2
ORDER BY ends_at ASC`, sessionColumns)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionStatusActive, now); err != nil {
		return nil, fmt.Errorf("list sessions due to close: %w", err)
	}
	return sessions, nil
}

// ListDueToFinalize returns ACTIVE sessions whose finalize deadline has
// passed and that have not yet been finalized. Used for catch-up after
// missed ticks as well as the steady-state path.
func (r *SessionRepository) ListDueToFinalize(ctx context.Context, now time.Time) ([]models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE status = $1 AND finalize_due_at <= $2 AND finalized_at IS NULL
ORDER BY finalize_due_at ASC`, sessionColumns)

	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionStatusActive, now); err != nil {
		return nil, fmt.Errorf("list sessions due to finalize: %w", err)
	}
	return sessions, nil
}

// UpdateStatus transitions a session, enforcing the one-way state machine
// in SQL so stale reads cannot regress a status.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error {
	if !from.CanTransitionTo(to) {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("illegal session transition %s -> %s", from, to))
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, now, id, from)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrConflict, "session status changed concurrently")
	}
	return nil
}

// FindOverlapping returns a session colliding with the given window, if
// any. ACTIVE always conflicts; SCHEDULED conflicts for future windows.
func (r *SessionRepository) FindOverlapping(ctx context.Context, startsAt, endsAt time.Time, statuses []models.SessionStatus) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions
WHERE status = ANY($1) AND starts_at < $2 AND ends_at > $3
ORDER BY starts_at ASC LIMIT 1`, sessionColumns)

	var session models.Session
	err := r.db.GetContext(ctx, &session, query, pq.Array(statuses), endsAt, startsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find overlapping session: %w", err)
	}
	return &session, nil
}

// List returns sessions with course metadata matching the filter.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error) {
	base := `FROM sessions s JOIN courses c ON c.id = s.course_id`
	where := "1=1"
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND s.status = $%d", len(args))
	}
	if filter.Date != nil {
		args = append(args, *filter.Date)
		where += fmt.Sprintf(" AND date(s.starts_at) = date($%d)", len(args))
	}
	if filter.CourseID != "" {
		args = append(args, filter.CourseID)
		where += fmt.Sprintf(" AND s.course_id = $%d", len(args))
	}

	order := "DESC"
	if filter.SortOrder == "asc" || filter.SortOrder == "ASC" {
		order = "ASC"
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

	query := fmt.Sprintf(`SELECT s.id, s.course_id, s.timetable_slot_id, s.starts_at, s.ends_at,
        s.late_threshold_minutes, s.status, s.auto_created, s.finalize_due_at, s.finalized_at,
        s.notes, s.created_at, s.updated_at, c.code AS course_code, c.name AS course_name
        %s WHERE %s ORDER BY s.starts_at %s LIMIT %d OFFSET %d`, base, where, order, size, offset)

	var rows []models.SessionDetail
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return rows, total, nil
}

// Finalize marks enrolled-but-unseen students ABSENT and completes the
// session, all in one transaction guarded by a row lock on the session.
// It is idempotent: a COMPLETED or CANCELLED session returns unchanged.
func (r *SessionRepository) Finalize(ctx context.Context, sessionID string, now time.Time) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin finalize: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var session models.Session
	lockQuery := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	if err := tx.GetContext(ctx, &session, lockQuery, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("lock session for finalize: %w", err)
	}

	if session.Status.Terminal() {
		return 0, nil
	}

	// Enrolled students without an attendance row get ABSENT; the unique
	// index absorbs a second run racing past the terminal check.
	insertQuery := `INSERT INTO attendance (id, session_id, student_id, status, check_in_time, last_seen_time, confidence, method, created_at, updated_at)
SELECT gen_random_uuid(), $1, e.student_id, $2, NULL, NULL, NULL, $3, $4, $4
FROM enrollments e
JOIN students st ON st.id = e.student_id AND st.deleted_at IS NULL
WHERE e.course_id = $5
  AND NOT EXISTS (
    SELECT 1 FROM attendance a WHERE a.session_id = $1 AND a.student_id = e.student_id
  )
ON CONFLICT (session_id, student_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, insertQuery,
		sessionID, models.AttendanceStatusAbsent, models.AttendanceMethodAuto, now, session.CourseID)
	if err != nil {
		return 0, fmt.Errorf("insert absentees: %w", err)
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert absentees: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = $1, finalized_at = $2, updated_at = $2 WHERE id = $3`,
		models.SessionStatusCompleted, now, sessionID)
	if err != nil {
		return 0, fmt.Errorf("complete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit finalize: %w", err)
	}
	committed = true
	return int(marked), nil
}

// Overview assembles the high-level status snapshot.
func (r *SessionRepository) Overview(ctx context.Context, now time.Time) (*models.SessionOverview, error) {
	overview := &models.SessionOverview{
		StatusCounts: make(map[models.SessionStatus]int),
		Timestamp:    now,
	}

	detailColumns := `s.id, s.course_id, s.timetable_slot_id, s.starts_at, s.ends_at,
        s.late_threshold_minutes, s.status, s.auto_created, s.finalize_due_at, s.finalized_at,
        s.notes, s.created_at, s.updated_at, c.code AS course_code, c.name AS course_name`

	var active models.SessionDetail
	activeQuery := fmt.Sprintf(`SELECT %s FROM sessions s JOIN courses c ON c.id = s.course_id
WHERE s.status = $1 AND s.starts_at <= $2 AND s.ends_at > $2 ORDER BY s.starts_at ASC LIMIT 1`, detailColumns)
	err := r.db.GetContext(ctx, &active, activeQuery, models.SessionStatusActive, now)
	if err == nil {
		overview.ActiveSession = &active
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("overview active session: %w", err)
	}

	var next models.SessionDetail
	nextQuery := fmt.Sprintf(`SELECT %s FROM sessions s JOIN courses c ON c.id = s.course_id
WHERE s.status = $1 AND s.starts_at >= $2 ORDER BY s.starts_at ASC LIMIT 1`, detailColumns)
	err = r.db.GetContext(ctx, &next, nextQuery, models.SessionStatusScheduled, now)
	if err == nil {
		overview.NextScheduled = &next
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("overview next scheduled: %w", err)
	}

	var last models.SessionDetail
	lastQuery := fmt.Sprintf(`SELECT %s FROM sessions s JOIN courses c ON c.id = s.course_id
WHERE s.status = $1 ORDER BY s.ends_at DESC LIMIT 1`, detailColumns)
	err = r.db.GetContext(ctx, &last, lastQuery, models.SessionStatusCompleted)
	if err == nil {
		overview.LastCompleted = &last
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("overview last completed: %w", err)
	}

	counts := []struct {
		Status models.SessionStatus `db:"status"`
		Count  int                  `db:"cnt"`
	}{}
	if err := r.db.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS cnt FROM sessions GROUP BY status`); err != nil {
		return nil, fmt.Errorf("overview status counts: %w", err)
	}
	for _, row := range counts {
		overview.StatusCounts[row.Status] = row.Count
	}

	return overview, nil
}
