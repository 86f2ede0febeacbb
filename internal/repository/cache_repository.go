package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faceattend/faceattend-api/internal/models"
	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

const (
	cacheKeySettings        = "faceattend:settings"
	cacheKeySettingsVersion = "faceattend:settings:version"
	cacheKeyOverview        = "faceattend:sessions:overview"
)

// CacheRepository fronts Redis for hot read paths. A cold or down cache is
// never fatal; callers fall through to Postgres.
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository constructs the repository.
func NewCacheRepository(client *redis.Client) *CacheRepository {
	return &CacheRepository{client: client}
}

// GetSettings returns the cached runtime settings or ErrCacheMiss.
func (r *CacheRepository) GetSettings(ctx context.Context) (*models.RuntimeSettings, error) {
	raw, err := r.client.Get(ctx, cacheKeySettings).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.ErrCacheMiss
		}
		return nil, fmt.Errorf("get cached settings: %w", err)
	}
	var settings models.RuntimeSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("decode cached settings: %w", err)
	}
	return &settings, nil
}

// SetSettings stores the runtime settings and mirrors the version counter.
func (r *CacheRepository) SetSettings(ctx context.Context, settings *models.RuntimeSettings, ttl time.Duration) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := r.client.Set(ctx, cacheKeySettings, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("cache settings: %w", err)
	}
	if err := r.client.Set(ctx, cacheKeySettingsVersion, settings.Version, ttl).Err(); err != nil {
		return fmt.Errorf("cache settings version: %w", err)
	}
	return nil
}

// SettingsVersion returns the cached version counter, or 0 on a miss.
func (r *CacheRepository) SettingsVersion(ctx context.Context) (int64, error) {
	version, err := r.client.Get(ctx, cacheKeySettingsVersion).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, appErrors.ErrCacheMiss
		}
		return 0, fmt.Errorf("get cached settings version: %w", err)
	}
	return version, nil
}

// InvalidateSettings drops the cached settings after a write.
func (r *CacheRepository) InvalidateSettings(ctx context.Context) error {
	if err := r.client.Del(ctx, cacheKeySettings, cacheKeySettingsVersion).Err(); err != nil {
		return fmt.Errorf("invalidate cached settings: %w", err)
	}
	return nil
}

// GetOverview returns the cached session overview or ErrCacheMiss.
func (r *CacheRepository) GetOverview(ctx context.Context) (*models.SessionOverview, error) {
	raw, err := r.client.Get(ctx, cacheKeyOverview).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.ErrCacheMiss
		}
		return nil, fmt.Errorf("get cached overview: %w", err)
	}
	var overview models.SessionOverview
	if err := json.Unmarshal([]byte(raw), &overview); err != nil {
		return nil, fmt.Errorf("decode cached overview: %w", err)
	}
	return &overview, nil
}

// SetOverview caches the session overview with a short TTL; the scheduler
// invalidates it on every state change.
func (r *CacheRepository) SetOverview(ctx context.Context, overview *models.SessionOverview, ttl time.Duration) error {
	encoded, err := json.Marshal(overview)
	if err != nil {
		return fmt.Errorf("encode overview: %w", err)
	}
	if err := r.client.Set(ctx, cacheKeyOverview, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("cache overview: %w", err)
	}
	return nil
}

// InvalidateOverview drops the cached overview.
func (r *CacheRepository) InvalidateOverview(ctx context.Context) error {
	if err := r.client.Del(ctx, cacheKeyOverview).Err(); err != nil {
		return fmt.Errorf("invalidate cached overview: %w", err)
	}
	return nil
}
