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
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type timetableStore interface {
	Create(ctx context.Context, slot *models.TimetableSlot, now time.Time) (*models.TimetableSlot, error)
	FindByID(ctx context.Context, id string) (*models.TimetableSlot, error)
	List(ctx context.Context) ([]models.TimetableSlot, error)
	Update(ctx context.Context, slot *models.TimetableSlot, now time.Time) (*models.TimetableSlot, error)
	Delete(ctx context.Context, id string) error
}

// TimetableSlotRequest describes slot creation or update.
type TimetableSlotRequest struct {
	Weekday              models.Weekday `json:"weekday" validate:"required"`
	SlotIndex            int            `json:"slotIndex" validate:"min=0,max=15"`
	CourseID             string         `json:"courseId" validate:"required"`
	StartTime            string         `json:"startTime" validate:"required"`
	EndTime              string         `json:"endTime" validate:"required"`
	LateThresholdMinutes int            `json:"lateThresholdMinutes" validate:"omitempty,min=0,max=120"`
	Active               *bool          `json:"active,omitempty"`
}

// TimetableService manages the recurring weekly schedule the scheduler
// materializes sessions from.
type TimetableService struct {
	slots     timetableStore
	courses   courseReader
	clock     clock.Clock
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTimetableService constructs TimetableService.
func NewTimetableService(
	slots timetableStore,
	courses courseReader,
	clk clock.Clock,
	validate *validator.Validate,
	logger *zap.Logger,
) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimetableService{
		slots:     slots,
		courses:   courses,
		clock:     clk,
		validator: validate,
		logger:    logger,
	}
}

// Create adds a timetable slot.
func (s *TimetableService) Create(ctx context.Context, req TimetableSlotRequest) (*models.TimetableSlot, error) {
	if err := s.validateSlot(ctx, req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	slot := &models.TimetableSlot{
		Weekday:              req.Weekday,
		SlotIndex:            req.SlotIndex,
		CourseID:             req.CourseID,
		StartTime:            req.StartTime,
		EndTime:              req.EndTime,
		LateThresholdMinutes: req.LateThresholdMinutes,
		Active:               active,
	}
	stored, err := s.slots.Create(ctx, slot, now)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("timetable slot created",
		"slot_id", stored.ID, "weekday", stored.Weekday, "slot_index", stored.SlotIndex)
	return stored, nil
}

// List returns the whole weekly grid.
func (s *TimetableService) List(ctx context.Context) ([]models.TimetableSlot, error) {
	slots, err := s.slots.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list timetable")
	}
	return slots, nil
}

// Update changes a slot. Sessions already materialized keep their
// snapshot; the change applies from the next materialization on.
func (s *TimetableService) Update(ctx context.Context, id string, req TimetableSlotRequest) (*models.TimetableSlot, error) {
	if err := s.validateSlot(ctx, req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	slot, err := s.slots.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "slot lookup failed")
	}

	slot.CourseID = req.CourseID
	slot.StartTime = req.StartTime
	slot.EndTime = req.EndTime
	slot.LateThresholdMinutes = req.LateThresholdMinutes
	if req.Active != nil {
		slot.Active = *req.Active
	}

	stored, err := s.slots.Update(ctx, slot, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update slot")
	}
	return stored, nil
}

// Delete removes a slot from the weekly grid.
func (s *TimetableService) Delete(ctx context.Context, id string) error {
	if err := s.slots.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "timetable slot not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete slot")
	}
	s.logger.Sugar().Infow("timetable slot deleted", "slot_id", id)
	return nil
}

func (s *TimetableService) validateSlot(ctx context.Context, req TimetableSlotRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot payload")
	}
	if !req.Weekday.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "weekday must be MON..FRI")
	}

	start, err := time.Parse("15:04", req.StartTime)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid start_time %q", req.StartTime))
	}
	end, err := time.Parse("15:04", req.EndTime)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid end_time %q", req.EndTime))
	}
	if !end.After(start) {
		return appErrors.Clone(appErrors.ErrValidation, "end_time must be after start_time")
	}

	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "course lookup failed")
	}
	return nil
}
