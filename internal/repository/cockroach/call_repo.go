package cockroach

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callgrid-backend/internal/domain"
	apperrors "callgrid-backend/pkg/errors"
)

// CallRepository handles call session persistence. The participant and
// invitee lists are stored as JSONB alongside the row, and every write is
// conditional on the record version so concurrent read-modify-write cycles
// cannot silently overwrite each other.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call record at version 1
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	targets, participants, metadata, err := marshalCallFields(call)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calls (
			call_id, chat_id, initiator_id, call_type, status,
			target_user_ids, participants, metadata,
			started_at, ended_at, duration_seconds, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	call.Version = 1
	_, err = r.pool.Exec(ctx, query,
		call.CallID,
		call.ChatID,
		call.InitiatorID,
		call.Type,
		call.Status,
		targets,
		participants,
		metadata,
		call.StartedAt,
		call.EndedAt,
		call.DurationSeconds,
		call.Version,
		call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// Update persists a mutated call, conditional on the version the mutation was
// derived from. Returns domain.ErrVersionConflict when a concurrent writer
// won; the caller reloads and retries. On success the in-memory version is
// advanced to match the stored row.
func (r *CallRepository) Update(ctx context.Context, call *domain.Call) error {
	targets, participants, metadata, err := marshalCallFields(call)
	if err != nil {
		return err
	}

	query := `
		UPDATE calls
		SET status = $3,
		    target_user_ids = $4,
		    participants = $5,
		    metadata = $6,
		    started_at = $7,
		    ended_at = $8,
		    duration_seconds = $9,
		    version = version + 1
		WHERE call_id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.Version,
		call.Status,
		targets,
		participants,
		metadata,
		call.StartedAt,
		call.EndedAt,
		call.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call %s: %w", call.CallID, domain.ErrVersionConflict)
	}

	call.Version++
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := selectCallColumns + ` WHERE call_id = $1`
	return r.queryOne(ctx, query, callID)
}

// GetLatestByChat retrieves the most recent call attached to a conversation
func (r *CallRepository) GetLatestByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	query := selectCallColumns + ` WHERE chat_id = $1 ORDER BY created_at DESC LIMIT 1`
	return r.queryOne(ctx, query, chatID)
}

// GetActiveByChatForUser finds the most recent ringing or ongoing call for a
// conversation that involves the given user. Membership is checked in Go over
// a small recency window rather than inside the JSONB columns.
func (r *CallRepository) GetActiveByChatForUser(ctx context.Context, chatID, userID uuid.UUID) (*domain.Call, error) {
	query := selectCallColumns + `
		WHERE chat_id = $1 AND status IN ('ringing', 'ongoing')
		ORDER BY created_at DESC
		LIMIT 10
	`

	rows, err := r.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		if call.Involves(userID) {
			return call, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan active calls: %w", err)
	}

	return nil, apperrors.CallNotFoundError()
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := selectCallColumns + `
		WHERE initiator_id = $1
		   OR target_user_ids @> $2
		   OR participants @> $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	targetMatch, _ := json.Marshal([]uuid.UUID{userID})
	participantMatch, _ := json.Marshal([]map[string]interface{}{{"userId": userID}})

	rows, err := r.pool.Query(ctx, query, userID, targetMatch, participantMatch, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan user calls: %w", err)
	}

	return calls, nil
}

const selectCallColumns = `
	SELECT call_id, chat_id, initiator_id, call_type, status,
	       target_user_ids, participants, metadata,
	       started_at, ended_at, duration_seconds, version, created_at
	FROM calls`

func (r *CallRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*domain.Call, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get call: %w", err)
		}
		return nil, apperrors.CallNotFoundError()
	}
	return scanCall(rows)
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	var targets, participants, metadata []byte

	err := row.Scan(
		&call.CallID,
		&call.ChatID,
		&call.InitiatorID,
		&call.Type,
		&call.Status,
		&targets,
		&participants,
		&metadata,
		&call.StartedAt,
		&call.EndedAt,
		&call.DurationSeconds,
		&call.Version,
		&call.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}

	if err := json.Unmarshal(targets, &call.TargetUserIDs); err != nil {
		return nil, fmt.Errorf("failed to decode target user ids: %w", err)
	}
	if err := json.Unmarshal(participants, &call.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &call.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return call, nil
}

func marshalCallFields(call *domain.Call) (targets, participants, metadata []byte, err error) {
	if call.TargetUserIDs == nil {
		call.TargetUserIDs = []uuid.UUID{}
	}
	if call.Participants == nil {
		call.Participants = []domain.CallParticipant{}
	}

	targets, err = json.Marshal(call.TargetUserIDs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode target user ids: %w", err)
	}
	participants, err = json.Marshal(call.Participants)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	if call.Metadata != nil {
		metadata, err = json.Marshal(call.Metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	return targets, participants, metadata, nil
}
