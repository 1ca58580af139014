package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/driftbox/mailbridge/internal/models"
)

var ErrConnectionNotFound = errors.New("connection not found")

type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Create inserts a new connection row
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetByID retrieves a connection by ID, scoped to its owner
func (r *ConnectionRepository) GetByID(ctx context.Context, userID, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, "id = ? AND user_id = ?", connectionID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// GetAnyByID retrieves a connection without owner scoping. Used by the OAuth
// callback, which carries no session and trusts the state token instead.
func (r *ConnectionRepository) GetAnyByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, "id = ?", connectionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// ListByUser retrieves all connections owned by a user
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	var conns []models.Connection
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list connections: %w", result.Error)
	}
	return conns, nil
}

// ListActiveByUser retrieves the user's active connections, the set a
// user-wide sync request fans out over
func (r *ConnectionRepository) ListActiveByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	var conns []models.Connection
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_active", userID, models.ConnectionActive).
		Order("created_at ASC").
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", result.Error)
	}
	return conns, nil
}

// FindByAccount looks up the connection already linked to a remote account.
// Lets the OAuth callback converge duplicate authorizations onto one row.
func (r *ConnectionRepository) FindByAccount(ctx context.Context, userID string, provider models.OAuthProvider, providerAccountID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn,
		"user_id = ? AND provider = ? AND provider_account_id = ?", userID, provider, providerAccountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to find connection by account: %w", result.Error)
	}
	return &conn, nil
}

// Update applies the given column values and refreshes updated_at
func (r *ConnectionRepository) Update(ctx context.Context, connectionID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// UpdateTokens stores freshly rotated, already-encrypted tokens
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, connectionID string, accessToken, refreshToken *string, expiry *time.Time) error {
	return r.Update(ctx, connectionID, map[string]interface{}{
		"access_token":        accessToken,
		"refresh_token":       refreshToken,
		"access_token_expiry": expiry,
	})
}

// MarkFailed records a failure diagnostic before the error is surfaced
func (r *ConnectionRepository) MarkFailed(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error {
	return r.Update(ctx, connectionID, map[string]interface{}{
		"status":     status,
		"is_active":  false,
		"last_error": lastError,
	})
}

// Delete removes a connection; oauth_states and syncs cascade at the schema level
func (r *ConnectionRepository) Delete(ctx context.Context, userID, connectionID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", connectionID, userID).
		Delete(&models.Connection{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}
