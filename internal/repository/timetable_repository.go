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

const timetableColumns = `id, weekday, slot_index, course_id, start_time, end_time, late_threshold_minutes, active, created_at, updated_at`

// TimetableRepository persists the recurring weekly timetable.
type TimetableRepository struct {
	db *sqlx.DB
}

// NewTimetableRepository constructs the repository.
func NewTimetableRepository(db *sqlx.DB) *TimetableRepository {
	return &TimetableRepository{db: db}
}

// Create inserts a slot; (weekday, slot_index) is unique.
func (r *TimetableRepository) Create(ctx context.Context, slot *models.TimetableSlot, now time.Time) (*models.TimetableSlot, error) {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	slot.CreatedAt = now
	slot.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO timetable_slots (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING %s`, timetableColumns, timetableColumns)

	var stored models.TimetableSlot
	err := r.db.GetContext(ctx, &stored, query,
		slot.ID, slot.Weekday, slot.SlotIndex, slot.CourseID, slot.StartTime, slot.EndTime,
		slot.LateThresholdMinutes, slot.Active, slot.CreatedAt, slot.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case uniqueViolation:
				return nil, appErrors.Clone(appErrors.ErrConflict, "timetable slot already occupied")
			case foreignKeyViolation:
				return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
			}
		}
		return nil, fmt.Errorf("create timetable slot: %w", err)
	}
	return &stored, nil
}

// FindByID returns the slot or sql.ErrNoRows.
func (r *TimetableRepository) FindByID(ctx context.Context, id string) (*models.TimetableSlot, error) {
	query := fmt.Sprintf(`SELECT %s FROM timetable_slots WHERE id = $1`, timetableColumns)
	var slot models.TimetableSlot
	if err := r.db.GetContext(ctx, &slot, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find timetable slot: %w", err)
	}
	return &slot, nil
}

// List returns all slots ordered for display.
func (r *TimetableRepository) List(ctx context.Context) ([]models.TimetableSlot, error) {
	query := fmt.Sprintf(`SELECT %s FROM timetable_slots
ORDER BY CASE weekday WHEN 'MON' THEN 1 WHEN 'TUE' THEN 2 WHEN 'WED' THEN 3 WHEN 'THU' THEN 4 WHEN 'FRI' THEN 5 END,
slot_index ASC`, timetableColumns)

	var slots []models.TimetableSlot
	if err := r.db.SelectContext(ctx, &slots, query); err != nil {
		return nil, fmt.Errorf("list timetable slots: %w", err)
	}
	return slots, nil
}

// ListActiveByWeekday returns active slots for one teaching day. This is
// the scheduler's materialization input.
func (r *TimetableRepository) ListActiveByWeekday(ctx context.Context, weekday models.Weekday) ([]models.TimetableSlot, error) {
	query := fmt.Sprintf(`SELECT %s FROM timetable_slots
WHERE weekday = $1 AND active = true ORDER BY slot_index ASC`, timetableColumns)

	var slots []models.TimetableSlot
	if err := r.db.SelectContext(ctx, &slots, query, weekday); err != nil {
		return nil, fmt.Errorf("list active slots for %s: %w", weekday, err)
	}
	return slots, nil
}

// Update changes mutable slot fields.
func (r *TimetableRepository) Update(ctx context.Context, slot *models.TimetableSlot, now time.Time) (*models.TimetableSlot, error) {
	slot.UpdatedAt = now
	query := fmt.Sprintf(`UPDATE timetable_slots
SET course_id = $1, start_time = $2, end_time = $3, late_threshold_minutes = $4, active = $5, updated_at = $6
WHERE id = $7 RETURNING %s`, timetableColumns)

	var stored models.TimetableSlot
	err := r.db.GetContext(ctx, &stored, query,
		slot.CourseID, slot.StartTime, slot.EndTime, slot.LateThresholdMinutes, slot.Active, slot.UpdatedAt, slot.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("update timetable slot: %w", err)
	}
	return &stored, nil
}

// Delete removes a slot. Sessions already materialized from it keep their
// snapshot of the window and threshold.
func (r *TimetableRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM timetable_slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete timetable slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete timetable slot: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
