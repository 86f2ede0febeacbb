package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faceattend/faceattend-api/internal/models"
)

// settingsVersionKey is a reserved row tracking the settings generation.
// Writers bump it in the same transaction as their change.
const settingsVersionKey = "settings_version"

// SettingsRepository persists runtime-tunable configuration.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository constructs the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetAll returns the parsed runtime settings with their version. Missing
// keys fall back to defaults.
func (r *SettingsRepository) GetAll(ctx context.Context) (*models.RuntimeSettings, error) {
	var rows []models.Setting
	if err := r.db.SelectContext(ctx, &rows, `SELECT key, value, updated_at FROM settings`); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	settings := models.DefaultRuntimeSettings()
	for _, row := range rows {
		switch row.Key {
		case models.SettingConfidenceThreshold:
			if v, err := strconv.ParseFloat(row.Value, 64); err == nil {
				settings.ConfidenceThreshold = v
			}
		case models.SettingLateThresholdDefault:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.LateThresholdDefaultMinutes = v
			}
		case models.SettingFinalizerBufferMinutes:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.FinalizerBufferMinutes = v
			}
		case models.SettingSchedulerTickSeconds:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.SchedulerTickSeconds = v
			}
		case models.SettingActivationWindowMinutes:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.ActivationWindowMinutes = v
			}
		case models.SettingEnrollmentKMin:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.EnrollmentKMin = v
			}
		case models.SettingEnrollmentKMax:
			if v, err := strconv.Atoi(row.Value); err == nil {
				settings.EnrollmentKMax = v
			}
		case settingsVersionKey:
			if v, err := strconv.ParseInt(row.Value, 10, 64); err == nil {
				settings.Version = v
			}
		}
	}
	return &settings, nil
}

// Version returns the current settings generation without parsing values.
func (r *SettingsRepository) Version(ctx context.Context) (int64, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, settingsVersionKey)
	if err != nil {
		return 0, nil //nolint:nilerr // absent row means generation zero
	}
	version, perr := strconv.ParseInt(value, 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("parse settings version: %w", perr)
	}
	return version, nil
}

// Upsert writes the given key/value pairs and bumps the version, all in
// one transaction so readers never observe a torn update.
func (r *SettingsRepository) Upsert(ctx context.Context, values map[string]string, now time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin settings update: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsertQuery := `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	for key, value := range values {
		if _, err := tx.ExecContext(ctx, upsertQuery, key, value, now); err != nil {
			return 0, fmt.Errorf("upsert setting %s: %w", key, err)
		}
	}

	var version int64
	bumpQuery := `INSERT INTO settings (key, value, updated_at) VALUES ($1, '1', $2)
ON CONFLICT (key) DO UPDATE SET value = (settings.value::bigint + 1)::text, updated_at = EXCLUDED.updated_at
RETURNING value::bigint`
	if err := tx.GetContext(ctx, &version, bumpQuery, settingsVersionKey, now); err != nil {
		return 0, fmt.Errorf("bump settings version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit settings update: %w", err)
	}
	committed = true
	return version, nil
}
