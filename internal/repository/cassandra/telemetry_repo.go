package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callgrid-backend/internal/domain"
	"callgrid-backend/pkg/constants"
)

// TelemetryRepository handles append-only call-quality samples in Cassandra.
// Samples are never mutated after creation and expire with the retention TTL.
type TelemetryRepository struct {
	session *gocql.Session
}

// NewTelemetryRepository creates a new TelemetryRepository
func NewTelemetryRepository(session *gocql.Session) *TelemetryRepository {
	return &TelemetryRepository{session: session}
}

// Save appends a telemetry sample with the retention TTL
func (r *TelemetryRepository) Save(ctx context.Context, sample *domain.CallTelemetry) error {
	query := `
		INSERT INTO call_telemetry (
			call_id, recorded_at, user_id, duration_seconds,
			network_quality, bandwidth, latency, packet_loss, jitter, issues
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		USING TTL ?
	`

	err := r.session.Query(query,
		sample.CallID,
		sample.Timestamp,
		sample.UserID,
		sample.DurationSeconds,
		string(sample.Metrics.NetworkQuality),
		sample.Metrics.Bandwidth,
		sample.Metrics.Latency,
		sample.Metrics.PacketLoss,
		sample.Metrics.Jitter,
		sample.Issues,
		int(constants.TelemetryRetention.Seconds()),
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to save telemetry sample: %w", err)
	}

	return nil
}

// GetRecent retrieves the most recent samples for a call, newest first.
// The table clusters on recorded_at DESC so this is a single-partition read.
func (r *TelemetryRepository) GetRecent(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallTelemetry, error) {
	query := `
		SELECT call_id, recorded_at, user_id, duration_seconds,
		       network_quality, bandwidth, latency, packet_loss, jitter, issues
		FROM call_telemetry
		WHERE call_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`

	iter := r.session.Query(query, callID, limit).WithContext(ctx).Iter()
	defer iter.Close()

	var samples []*domain.CallTelemetry
	for {
		sample := &domain.CallTelemetry{}
		var quality string
		ok := iter.Scan(
			&sample.CallID,
			&sample.Timestamp,
			&sample.UserID,
			&sample.DurationSeconds,
			&quality,
			&sample.Metrics.Bandwidth,
			&sample.Metrics.Latency,
			&sample.Metrics.PacketLoss,
			&sample.Metrics.Jitter,
			&sample.Issues,
		)
		if !ok {
			break
		}
		sample.Metrics.NetworkQuality = domain.NetworkQuality(quality)
		samples = append(samples, sample)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read telemetry samples: %w", err)
	}

	return samples, nil
}
