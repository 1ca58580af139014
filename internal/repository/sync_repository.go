package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/driftbox/mailbridge/internal/models"
)

var (
	ErrSyncNotFound = errors.New("sync not found")

	// ErrSyncConflict means a pending or running sync already exists for the
	// connection. Callers re-query and return the existing job.
	ErrSyncConflict = errors.New("sync already in flight for connection")
)

type SyncRepository struct {
	db *gorm.DB
}

func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// Create inserts a new sync job. The partial unique index on
// (connection_id) WHERE status IN ('pending','running') makes the insert the
// only coordination point between concurrent create attempts: a duplicate-key
// violation is reported as ErrSyncConflict.
func (r *SyncRepository) Create(ctx context.Context, job *models.Sync) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSyncConflict
		}
		return fmt.Errorf("failed to create sync: %w", err)
	}
	return nil
}

// GetByID retrieves a sync job by ID
func (r *SyncRepository) GetByID(ctx context.Context, syncID string) (*models.Sync, error) {
	var job models.Sync
	result := r.db.WithContext(ctx).First(&job, "id = ?", syncID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncNotFound
		}
		return nil, fmt.Errorf("failed to get sync: %w", result.Error)
	}
	return &job, nil
}

// GetForUser retrieves a sync job scoped to its owner
func (r *SyncRepository) GetForUser(ctx context.Context, userID, syncID string) (*models.Sync, error) {
	var job models.Sync
	result := r.db.WithContext(ctx).First(&job, "id = ? AND user_id = ?", syncID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncNotFound
		}
		return nil, fmt.Errorf("failed to get sync: %w", result.Error)
	}
	return &job, nil
}

// GetInFlightByConnection returns the pending or running job for a
// connection, if any. Used after a conflicting insert.
func (r *SyncRepository) GetInFlightByConnection(ctx context.Context, connectionID string) (*models.Sync, error) {
	var job models.Sync
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND status IN ?", connectionID,
			[]models.SyncStatus{models.SyncPending, models.SyncRunning}).
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncNotFound
		}
		return nil, fmt.Errorf("failed to get in-flight sync: %w", result.Error)
	}
	return &job, nil
}

// ListByUser retrieves the user's sync history, newest first
func (r *SyncRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Sync, error) {
	var jobs []models.Sync
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list syncs: %w", result.Error)
	}
	return jobs, nil
}

// GetPendingJobs retrieves pending sync jobs for the worker to claim
func (r *SyncRepository) GetPendingJobs(ctx context.Context, limit int) ([]models.Sync, error) {
	var jobs []models.Sync
	result := r.db.WithContext(ctx).
		Where("status = ?", models.SyncPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query pending syncs: %w", result.Error)
	}
	return jobs, nil
}

// MarkRunning transitions a claimed job to running and stamps time_start.
// Claiming is compare-and-set on status so two workers cannot both win.
func (r *SyncRepository) MarkRunning(ctx context.Context, syncID string) error {
	now := time.Now()
	zero := 0
	op := "Starting sync"
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("id = ? AND status = ?", syncID, models.SyncPending).
		Updates(map[string]interface{}{
			"status":              models.SyncRunning,
			"time_start":          now,
			"progress_percentage": &zero,
			"current_operation":   &op,
			"updated_at":          now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark sync running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSyncNotFound
	}
	return nil
}

// UpdateProgress persists coarse progress so a concurrent status poll sees a
// live picture, not just the terminal state
func (r *SyncRepository) UpdateProgress(ctx context.Context, syncID string, percentage int, operation string) error {
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("id = ?", syncID).
		Updates(map[string]interface{}{
			"progress_percentage": percentage,
			"current_operation":   operation,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update sync progress: %w", result.Error)
	}
	return nil
}

// UpdateCounters persists the running totals between batches
func (r *SyncRepository) UpdateCounters(ctx context.Context, syncID string, synced, added, updated int) error {
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("id = ?", syncID).
		Updates(map[string]interface{}{
			"messages_synced":  synced,
			"messages_new":     added,
			"messages_updated": updated,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update sync counters: %w", result.Error)
	}
	return nil
}

// CompleteWithCursor finishes a job and advances the connection's cursor in
// the same transaction, so the next incremental sync resumes from a cursor
// that matches what the job actually achieved.
func (r *SyncRepository) CompleteWithCursor(ctx context.Context, job *models.Sync, newHistoryID *string) error {
	now := time.Now()
	pct := 100
	op := "Completed"
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Sync{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":              models.SyncCompleted,
				"time_end":            now,
				"messages_synced":     job.MessagesSynced,
				"messages_new":        job.MessagesNew,
				"messages_updated":    job.MessagesUpdated,
				"last_history_id":     newHistoryID,
				"progress_percentage": &pct,
				"current_operation":   &op,
				"updated_at":          now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to complete sync: %w", result.Error)
		}

		if newHistoryID != nil {
			result = tx.Model(&models.Connection{}).
				Where("id = ?", job.ConnectionID).
				Updates(map[string]interface{}{
					"last_history_id": newHistoryID,
					"updated_at":      now,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to advance connection cursor: %w", result.Error)
			}
		}
		return nil
	})
}

// MarkFailed terminates a job in failed state with the diagnostic and bumps
// retry_count. Partial progress stays persisted.
func (r *SyncRepository) MarkFailed(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error {
	now := time.Now()
	op := "Failed"
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("id = ?", syncID).
		Updates(map[string]interface{}{
			"status":            models.SyncFailed,
			"time_end":          now,
			"error_message":     errorMessage,
			"error_details":     errorDetails,
			"retry_count":       gorm.Expr("retry_count + 1"),
			"current_operation": &op,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark sync failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSyncNotFound
	}
	return nil
}

// FailStaleRunning fails every job still marked running. Called once at
// worker startup: any running row at that point was stranded by a previous
// process and would otherwise block its connection's in-flight slot forever.
func (r *SyncRepository) FailStaleRunning(ctx context.Context, errorMessage string) (int64, error) {
	now := time.Now()
	op := "Failed"
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("status = ?", models.SyncRunning).
		Updates(map[string]interface{}{
			"status":            models.SyncFailed,
			"time_end":          now,
			"error_message":     errorMessage,
			"retry_count":       gorm.Expr("retry_count + 1"),
			"current_operation": &op,
			"updated_at":        now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to fail stale syncs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkCancelled transitions a running job to cancelled; the worker notices
// at the next batch boundary and stops. Pending jobs are deleted instead of
// cancelled, so the CAS matches running only.
func (r *SyncRepository) MarkCancelled(ctx context.Context, syncID, note string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Sync{}).
		Where("id = ? AND status = ?", syncID, models.SyncRunning).
		Updates(map[string]interface{}{
			"status":            models.SyncCancelled,
			"time_end":          now,
			"current_operation": note,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel sync: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSyncNotFound
	}
	return nil
}

// Delete hard-removes a job row. Used for pending and terminal jobs, which
// have no cancellation semantics.
func (r *SyncRepository) Delete(ctx context.Context, syncID string) error {
	result := r.db.WithContext(ctx).Where("id = ?", syncID).Delete(&models.Sync{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete sync: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSyncNotFound
	}
	return nil
}
