package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/driftbox/mailbridge/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Upsert inserts or updates a mirrored message keyed by (user_id,
// external_id) and reports whether the row was newly inserted. The signal
// comes from Postgres itself (xmax = 0 on a freshly inserted row version), so
// concurrent syncs cannot double-count through a stale existence check.
func (r *MessageRepository) Upsert(ctx context.Context, msg *models.Message) (bool, error) {
	return upsertMessage(r.db.WithContext(ctx), msg)
}

// UpsertBatch upserts a batch of messages in one transaction and returns how
// many were inserted and how many updated. One commit per batch bounds
// transaction size while keeping partial progress durable.
func (r *MessageRepository) UpsertBatch(ctx context.Context, msgs []models.Message) (int, int, error) {
	var inserted, updated int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			wasInsert, err := upsertMessage(tx, &msgs[i])
			if err != nil {
				return err
			}
			if wasInsert {
				inserted++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

func upsertMessage(tx *gorm.DB, msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now()

	var row struct {
		ID       string
		Inserted bool
	}
	result := tx.Raw(`
		INSERT INTO messages (
			id, external_id, user_id, thread_id, label_ids, snippet,
			history_id, internal_date, size_estimate,
			from_address, to_address, cc_address, subject, body,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, external_id) DO UPDATE SET
			thread_id     = EXCLUDED.thread_id,
			label_ids     = EXCLUDED.label_ids,
			snippet       = EXCLUDED.snippet,
			history_id    = EXCLUDED.history_id,
			internal_date = EXCLUDED.internal_date,
			size_estimate = EXCLUDED.size_estimate,
			from_address  = EXCLUDED.from_address,
			to_address    = EXCLUDED.to_address,
			cc_address    = EXCLUDED.cc_address,
			subject       = EXCLUDED.subject,
			body          = EXCLUDED.body,
			updated_at    = EXCLUDED.updated_at
		RETURNING id, (xmax = 0) AS inserted
	`,
		msg.ID, msg.ExternalID, msg.UserID, msg.ThreadID, pq.Array([]string(msg.LabelIDs)), msg.Snippet,
		msg.HistoryID, msg.InternalDate, msg.SizeEstimate,
		msg.FromAddress, msg.ToAddress, msg.CcAddress, msg.Subject, msg.Body,
		now, now,
	).Scan(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to upsert message: %w", result.Error)
	}
	msg.ID = row.ID
	return row.Inserted, nil
}

// GetByID retrieves a message by ID, scoped to its owner
func (r *MessageRepository) GetByID(ctx context.Context, userID, messageID string) (*models.Message, error) {
	var msg models.Message
	result := r.db.WithContext(ctx).First(&msg, "id = ? AND user_id = ?", messageID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", result.Error)
	}
	return &msg, nil
}

// ListByUser retrieves mirrored messages newest first
func (r *MessageRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Message, error) {
	var msgs []models.Message
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("internal_date DESC NULLS LAST").
		Limit(limit).
		Offset(offset).
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list messages: %w", result.Error)
	}
	return msgs, nil
}

// CountByUser returns the number of mirrored messages for a user
func (r *MessageRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("user_id = ?", userID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count messages: %w", result.Error)
	}
	return count, nil
}

// UpdateLabels overwrites the label set after a remote modify succeeds
func (r *MessageRepository) UpdateLabels(ctx context.Context, userID, messageID string, labelIDs []string) error {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND user_id = ?", messageID, userID).
		Updates(map[string]interface{}{
			"label_ids":  pq.Array(labelIDs),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update message labels: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Delete removes the local mirror row
func (r *MessageRepository) Delete(ctx context.Context, userID, messageID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", messageID, userID).
		Delete(&models.Message{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
