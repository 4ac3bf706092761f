package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callgrid-backend/internal/domain"
	apperrors "callgrid-backend/pkg/errors"
)

// UserRepository resolves display profiles for the signaling layer. User
// accounts are owned by the account subsystem; only the narrow profile view
// is read here.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetProfile retrieves a user's display snapshot
func (r *UserRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	query := `
		SELECT user_id, display_name, COALESCE(avatar_url, '')
		FROM users
		WHERE user_id = $1
	`

	profile := &domain.UserProfile{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.DisplayName,
		&profile.Avatar,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.UserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	return profile, nil
}
