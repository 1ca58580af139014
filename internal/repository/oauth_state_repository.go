package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/driftbox/mailbridge/internal/models"
)

var ErrStateNotFound = errors.New("oauth state not found")

type OAuthStateRepository struct {
	db *gorm.DB
}

func NewOAuthStateRepository(db *gorm.DB) *OAuthStateRepository {
	return &OAuthStateRepository{db: db}
}

// Create inserts a new state row
func (r *OAuthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	if err := r.db.WithContext(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// Consume atomically deletes the state row and returns it. A second consume
// of the same token sees ErrStateNotFound, which is what makes the token
// single-use under concurrent callbacks.
func (r *OAuthStateRepository) Consume(ctx context.Context, stateToken string) (*models.OAuthState, error) {
	var state models.OAuthState
	result := r.db.WithContext(ctx).Raw(`
		DELETE FROM oauth_states
		WHERE state_token = ?
		RETURNING state_token, connection_id, user_id, provider, redirect_uri, created_at, expires_at
	`, stateToken).Scan(&state)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrStateNotFound
	}
	return &state, nil
}

// DeleteExpired sweeps states past their TTL. Run periodically by the worker.
func (r *OAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.OAuthState{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", result.Error)
	}
	return result.RowsAffected, nil
}
