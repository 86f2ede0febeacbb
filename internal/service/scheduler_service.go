package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	"github.com/faceattend/faceattend-api/pkg/jobs"
)

type schedulerSessionStore interface {
	FindOrCreateForSlot(ctx context.Context, session *models.Session, now time.Time) (*models.Session, bool, error)
	ListDueToActivate(ctx context.Context, now time.Time) ([]models.Session, error)
	ListDueToClose(ctx context.Context, now time.Time) ([]models.Session, error)
	ListDueToFinalize(ctx context.Context, now time.Time) ([]models.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) error
	Finalize(ctx context.Context, sessionID string, now time.Time) (int, error)
}

type timetableReader interface {
	ListActiveByWeekday(ctx context.Context, weekday models.Weekday) ([]models.TimetableSlot, error)
}

type finalizeEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// TickStats summarizes one scheduler pass.
type TickStats struct {
	Materialized int `json:"materialized"`
	Activated    int `json:"activated"`
	Enqueued     int `json:"enqueued"`
}

// SchedulerService drives sessions through their lifecycle on a fixed
// tick: materialize today's slots, activate due sessions, and enqueue
// finalization for sessions past their late cutoff. Every pass reads the
// clock once; a slow pass never overlaps the next one.
type SchedulerService struct {
	sessions  schedulerSessionStore
	timetable timetableReader
	queue     finalizeEnqueuer
	settings  settingsSource
	clock     clock.Clock
	cfg       config.SchedulerConfig
	logger    *zap.Logger
	metrics   *MetricsService

	mu      sync.Mutex
	ticking bool
}

// NewSchedulerService constructs SchedulerService.
func NewSchedulerService(
	sessions schedulerSessionStore,
	timetable timetableReader,
	queue finalizeEnqueuer,
	settings settingsSource,
	clk clock.Clock,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *SchedulerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerService{
		sessions:  sessions,
		timetable: timetable,
		queue:     queue,
		settings:  settings,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetMetrics attaches the optional instrumentation.
func (s *SchedulerService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// Run ticks until the context is cancelled. The timer is re-armed after
// every pass, so a scheduler_tick_seconds settings change takes effect
// without a restart.
func (s *SchedulerService) Run(ctx context.Context) {
	s.logger.Sugar().Infow("scheduler started", "interval", s.tickInterval(ctx))
	// Immediate first pass catches up after a restart.
	s.Tick(ctx)

	timer := time.NewTimer(s.tickInterval(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Sugar().Infow("scheduler stopped")
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.tickInterval(ctx))
		}
	}
}

// tickInterval prefers the persisted setting over the boot-time config.
func (s *SchedulerService) tickInterval(ctx context.Context) time.Duration {
	if settings, err := s.settings.Current(ctx); err == nil && settings != nil && settings.SchedulerTickSeconds > 0 {
		return time.Duration(settings.SchedulerTickSeconds) * time.Second
	}
	if s.cfg.TickInterval > 0 {
		return s.cfg.TickInterval
	}
	return time.Minute
}

// Tick runs one scheduler pass. A pass still in flight makes this a
// no-op rather than stacking concurrent passes.
func (s *SchedulerService) Tick(ctx context.Context) TickStats {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		s.logger.Sugar().Warnw("scheduler tick skipped, previous pass still running")
		return TickStats{}
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	now := s.clock.Now()
	start := time.Now()
	stats := TickStats{}

	stats.Materialized = s.materialize(ctx, now)
	stats.Activated = s.activate(ctx, now)
	stats.Enqueued = s.enqueueFinalizations(ctx, now)

	if s.metrics != nil {
		s.metrics.ObserveSchedulerTick(time.Since(start))
	}

	if stats.Materialized > 0 || stats.Activated > 0 || stats.Enqueued > 0 {
		s.logger.Sugar().Infow("scheduler tick",
			"materialized", stats.Materialized,
			"activated", stats.Activated,
			"finalize_enqueued", stats.Enqueued)
	}
	return stats
}

// materializeLead is how long before its scheduled start a slot's
// session becomes visible.
const materializeLead = 2 * time.Minute

// materialize creates today's sessions from timetable slots whose window
// is near or in progress. Creation is idempotent per (slot, date), so a
// restart mid-day never duplicates sessions.
func (s *SchedulerService) materialize(ctx context.Context, now time.Time) int {
	weekday := models.WeekdayFromTime(now)
	if weekday == "" {
		return 0
	}

	slots, err := s.timetable.ListActiveByWeekday(ctx, weekday)
	if err != nil {
		s.logger.Sugar().Errorw("scheduler: list slots failed", "weekday", weekday, "error", err)
		return 0
	}

	window := s.activationWindow(ctx)
	lateDefault, buffer := s.finalizationTuning(ctx)

	created := 0
	for _, slot := range slots {
		startsAt, endsAt, err := slot.Window(now)
		if err != nil {
			s.logger.Sugar().Errorw("scheduler: bad slot window", "slot_id", slot.ID, "error", err)
			continue
		}
		// Materialize from two minutes before start and keep trying until
		// the window closes; a missed tick self-heals on the next pass.
		if now.Before(startsAt.Add(-materializeLead)) || !now.Before(endsAt) {
			continue
		}

		lateThreshold := time.Duration(slot.LateThresholdMinutes) * time.Minute
		if lateThreshold <= 0 {
			lateThreshold = lateDefault
		}

		// Born ACTIVE when close enough to the start; otherwise the
		// activation pass picks it up once starts_at arrives.
		status := models.SessionStatusScheduled
		if delta := now.Sub(startsAt); delta >= -window && delta <= window {
			status = models.SessionStatusActive
		}

		slotID := slot.ID
		session := &models.Session{
			CourseID:             slot.CourseID,
			TimetableSlotID:      &slotID,
			StartsAt:             startsAt,
			EndsAt:               endsAt,
			LateThresholdMinutes: int(lateThreshold / time.Minute),
			Status:               status,
			AutoCreated:          true,
			FinalizeDueAt:        startsAt.Add(lateThreshold).Add(buffer),
		}
		stored, isNew, err := s.sessions.FindOrCreateForSlot(ctx, session, now)
		if err != nil {
			s.logger.Sugar().Errorw("scheduler: materialize failed", "slot_id", slot.ID, "error", err)
			continue
		}
		if isNew {
			created++
			s.logger.Sugar().Infow("session materialized",
				"session_id", stored.ID, "slot_id", slot.ID, "starts_at", startsAt)
		}
	}
	return created
}

// activate flips SCHEDULED sessions whose start has arrived.
func (s *SchedulerService) activate(ctx context.Context, now time.Time) int {
	due, err := s.sessions.ListDueToActivate(ctx, now)
	if err != nil {
		s.logger.Sugar().Errorw("scheduler: list due-to-activate failed", "error", err)
		return 0
	}

	activated := 0
	for _, session := range due {
		if err := s.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusScheduled, models.SessionStatusActive, now); err != nil {
			s.logger.Sugar().Errorw("scheduler: activate failed", "session_id", session.ID, "error", err)
			continue
		}
		activated++
		s.logger.Sugar().Infow("session activated", "session_id", session.ID)
	}
	return activated
}

// enqueueFinalizations hands due sessions to the finalizer workers. Both
// past-late-cutoff and past-end sessions qualify; Finalize itself is
// idempotent so double enqueues are harmless.
func (s *SchedulerService) enqueueFinalizations(ctx context.Context, now time.Time) int {
	due, err := s.sessions.ListDueToFinalize(ctx, now)
	if err != nil {
		s.logger.Sugar().Errorw("scheduler: list due-to-finalize failed", "error", err)
		due = nil
	}
	expired, err := s.sessions.ListDueToClose(ctx, now)
	if err != nil {
		s.logger.Sugar().Errorw("scheduler: list due-to-close failed", "error", err)
		expired = nil
	}

	seen := make(map[string]struct{}, len(due)+len(expired))
	enqueued := 0
	for _, session := range append(due, expired...) {
		if _, dup := seen[session.ID]; dup {
			continue
		}
		seen[session.ID] = struct{}{}

		err := s.queue.Enqueue(jobs.Job{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Enqueued:  now,
		})
		if err != nil {
			s.logger.Sugar().Errorw("scheduler: enqueue finalize failed", "session_id", session.ID, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued
}

// HandleFinalize is the queue handler: it marks absentees and completes
// the session.
func (s *SchedulerService) HandleFinalize(ctx context.Context, job jobs.Job) error {
	now := s.clock.Now()
	marked, err := s.sessions.Finalize(ctx, job.SessionID, now)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveFinalization(marked)
	}
	s.logger.Sugar().Infow("session finalized", "session_id", job.SessionID, "absent_marked", marked)
	return nil
}

func (s *SchedulerService) activationWindow(ctx context.Context) time.Duration {
	window := s.cfg.ActivationWindow
	if settings, err := s.settings.Current(ctx); err == nil && settings != nil && settings.ActivationWindowMinutes > 0 {
		window = time.Duration(settings.ActivationWindowMinutes) * time.Minute
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return window
}

func (s *SchedulerService) finalizationTuning(ctx context.Context) (time.Duration, time.Duration) {
	lateDefault := s.cfg.LateThresholdDefault
	buffer := s.cfg.FinalizerBuffer
	if settings, err := s.settings.Current(ctx); err == nil && settings != nil {
		if settings.LateThresholdDefaultMinutes > 0 {
			lateDefault = time.Duration(settings.LateThresholdDefaultMinutes) * time.Minute
		}
		if settings.FinalizerBufferMinutes > 0 {
			buffer = time.Duration(settings.FinalizerBufferMinutes) * time.Minute
		}
	}
	if lateDefault <= 0 {
		lateDefault = 5 * time.Minute
	}
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	return lateDefault, buffer
}
