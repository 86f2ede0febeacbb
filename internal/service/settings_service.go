package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/faceattend/faceattend-api/internal/models"
	"github.com/faceattend/faceattend-api/pkg/clock"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

type settingsStore interface {
	GetAll(ctx context.Context) (*models.RuntimeSettings, error)
	Upsert(ctx context.Context, values map[string]string, now time.Time) (int64, error)
}

type settingsCache interface {
	GetSettings(ctx context.Context) (*models.RuntimeSettings, error)
	SetSettings(ctx context.Context, settings *models.RuntimeSettings, ttl time.Duration) error
	SettingsVersion(ctx context.Context) (int64, error)
	InvalidateSettings(ctx context.Context) error
}

// UpdateSettingsRequest carries the tunable runtime knobs. Nil fields are
// left unchanged.
type UpdateSettingsRequest struct {
	ConfidenceThreshold         *float64 `json:"confidenceThreshold" validate:"omitempty,gt=0,lte=1"`
	LateThresholdDefaultMinutes *int     `json:"lateThresholdDefaultMinutes" validate:"omitempty,min=0,max=120"`
	FinalizerBufferMinutes      *int     `json:"finalizerBufferMinutes" validate:"omitempty,min=0,max=120"`
	SchedulerTickSeconds        *int     `json:"schedulerTickSeconds" validate:"omitempty,min=10,max=600"`
	ActivationWindowMinutes     *int     `json:"activationWindowMinutes" validate:"omitempty,min=0,max=60"`
	EnrollmentKMin              *int     `json:"enrollmentKMin" validate:"omitempty,min=1,max=50"`
	EnrollmentKMax              *int     `json:"enrollmentKMax" validate:"omitempty,min=1,max=50"`
}

// SettingsService serves runtime settings from a two-level cache: an
// in-process copy validated against the Redis version counter, with
// Postgres as the source of truth. Writers bump the version so every
// instance converges without a restart.
type SettingsService struct {
	store     settingsStore
	cache     settingsCache
	clock     clock.Clock
	validator *validator.Validate
	logger    *zap.Logger

	mu      sync.RWMutex
	current *models.RuntimeSettings
}

// NewSettingsService constructs SettingsService.
func NewSettingsService(
	store settingsStore,
	cache settingsCache,
	clk clock.Clock,
	validate *validator.Validate,
	logger *zap.Logger,
) *SettingsService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsService{
		store:     store,
		cache:     cache,
		clock:     clk,
		validator: validate,
		logger:    logger,
	}
}

// Current returns the runtime settings. The in-process copy is reused
// while its version matches the shared counter; any mismatch falls
// through Redis to Postgres.
func (s *SettingsService) Current(ctx context.Context) (*models.RuntimeSettings, error) {
	if s.cache != nil {
		if version, err := s.cache.SettingsVersion(ctx); err == nil {
			s.mu.RLock()
			cached := s.current
			s.mu.RUnlock()
			if cached != nil && cached.Version == version {
				copied := *cached
				return &copied, nil
			}
		}
		if settings, err := s.cache.GetSettings(ctx); err == nil {
			s.remember(settings)
			return settings, nil
		}
	}

	settings, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settings")
	}
	s.remember(settings)
	if s.cache != nil {
		if err := s.cache.SetSettings(ctx, settings, time.Hour); err != nil {
			s.logger.Sugar().Warnw("settings cache write failed", "error", err)
		}
	}
	return settings, nil
}

// Update persists the supplied knobs, bumps the version, and refreshes
// the caches.
func (s *SettingsService) Update(ctx context.Context, req UpdateSettingsRequest) (*models.RuntimeSettings, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid settings payload")
	}
	if req.EnrollmentKMin != nil && req.EnrollmentKMax != nil && *req.EnrollmentKMax < *req.EnrollmentKMin {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment_k_max must be >= enrollment_k_min")
	}

	values := map[string]string{}
	if req.ConfidenceThreshold != nil {
		values[models.SettingConfidenceThreshold] = strconv.FormatFloat(*req.ConfidenceThreshold, 'f', -1, 64)
	}
	if req.LateThresholdDefaultMinutes != nil {
		values[models.SettingLateThresholdDefault] = strconv.Itoa(*req.LateThresholdDefaultMinutes)
	}
	if req.FinalizerBufferMinutes != nil {
		values[models.SettingFinalizerBufferMinutes] = strconv.Itoa(*req.FinalizerBufferMinutes)
	}
	if req.SchedulerTickSeconds != nil {
		values[models.SettingSchedulerTickSeconds] = strconv.Itoa(*req.SchedulerTickSeconds)
	}
	if req.ActivationWindowMinutes != nil {
		values[models.SettingActivationWindowMinutes] = strconv.Itoa(*req.ActivationWindowMinutes)
	}
	if req.EnrollmentKMin != nil {
		values[models.SettingEnrollmentKMin] = strconv.Itoa(*req.EnrollmentKMin)
	}
	if req.EnrollmentKMax != nil {
		values[models.SettingEnrollmentKMax] = strconv.Itoa(*req.EnrollmentKMax)
	}
	if len(values) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no settings provided")
	}

	now := s.clock.Now()
	version, err := s.store.Upsert(ctx, values, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update settings")
	}

	settings, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload settings")
	}
	settings.Version = version
	s.remember(settings)
	if s.cache != nil {
		if err := s.cache.SetSettings(ctx, settings, time.Hour); err != nil {
			s.logger.Sugar().Warnw("settings cache write failed", "error", err)
		}
	}

	s.logger.Sugar().Infow("settings updated", "version", version, "keys", fmt.Sprint(keysOf(values)))
	return settings, nil
}

func (s *SettingsService) remember(settings *models.RuntimeSettings) {
	if settings == nil {
		return
	}
	copied := *settings
	s.mu.Lock()
	s.current = &copied
	s.mu.Unlock()
}

func keysOf(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	return keys
}
