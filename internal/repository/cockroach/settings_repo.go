package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callgrid-backend/internal/domain"
)

// CallSettingsRepository handles per-user call configuration. A record is
// created lazily with defaults the first time it is read.
type CallSettingsRepository struct {
	pool *pgxpool.Pool
}

// NewCallSettingsRepository creates a new call settings repository
func NewCallSettingsRepository(pool *pgxpool.Pool) *CallSettingsRepository {
	return &CallSettingsRepository{pool: pool}
}

// Get retrieves a user's call settings, creating the default record on first
// access.
func (r *CallSettingsRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.CallSettings, error) {
	query := `
		SELECT user_id, echo_cancellation, noise_suppression, auto_gain_control,
		       video_bitrate, preferred_resolution, audio_device_id, video_device_id,
		       updated_at
		FROM call_settings
		WHERE user_id = $1
	`

	settings := &domain.CallSettings{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&settings.UserID,
		&settings.EchoCancellation,
		&settings.NoiseSuppression,
		&settings.AutoGainControl,
		&settings.VideoBitrate,
		&settings.PreferredResolution,
		&settings.AudioDeviceID,
		&settings.VideoDeviceID,
		&settings.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		defaults := domain.DefaultCallSettings(userID)
		if err := r.Upsert(ctx, &defaults); err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call settings: %w", err)
	}

	return settings, nil
}

// Upsert writes the full settings record for a user
func (r *CallSettingsRepository) Upsert(ctx context.Context, settings *domain.CallSettings) error {
	query := `
		INSERT INTO call_settings (
			user_id, echo_cancellation, noise_suppression, auto_gain_control,
			video_bitrate, preferred_resolution, audio_device_id, video_device_id,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			echo_cancellation = EXCLUDED.echo_cancellation,
			noise_suppression = EXCLUDED.noise_suppression,
			auto_gain_control = EXCLUDED.auto_gain_control,
			video_bitrate = EXCLUDED.video_bitrate,
			preferred_resolution = EXCLUDED.preferred_resolution,
			audio_device_id = EXCLUDED.audio_device_id,
			video_device_id = EXCLUDED.video_device_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		settings.UserID,
		settings.EchoCancellation,
		settings.NoiseSuppression,
		settings.AutoGainControl,
		settings.VideoBitrate,
		settings.PreferredResolution,
		settings.AudioDeviceID,
		settings.VideoDeviceID,
		settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert call settings: %w", err)
	}

	return nil
}
