package models

import "time"

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

type SyncType string

const (
	SyncTypeFull        SyncType = "full"        // complete re-listing of the mailbox
	SyncTypeIncremental SyncType = "incremental" // delta retrieval from the stored cursor
	SyncTypeManual      SyncType = "manual"      // user-triggered; incremental when a cursor exists
)

// Sync is one execution record of a synchronization attempt against a
// connection. At most one pending or running row exists per connection,
// enforced by a partial unique index.
type Sync struct {
	ID           string     `gorm:"column:id;primaryKey" json:"id"`
	ConnectionID string     `gorm:"column:connection_id;index" json:"connection_id"`
	UserID       string     `gorm:"column:user_id;index" json:"user_id"`
	Status       SyncStatus `gorm:"column:status;index" json:"status"`
	SyncType     SyncType   `gorm:"column:sync_type" json:"sync_type"`

	TimeStart *time.Time `gorm:"column:time_start" json:"time_start,omitempty"`
	TimeEnd   *time.Time `gorm:"column:time_end" json:"time_end,omitempty"`

	MessagesSynced  int     `gorm:"column:messages_synced" json:"messages_synced"`
	MessagesNew     int     `gorm:"column:messages_new" json:"messages_new"`
	MessagesUpdated int     `gorm:"column:messages_updated" json:"messages_updated"`
	LastHistoryID   *string `gorm:"column:last_history_id" json:"last_history_id,omitempty"`

	ProgressPercentage *int    `gorm:"column:progress_percentage" json:"progress_percentage,omitempty"`
	CurrentOperation   *string `gorm:"column:current_operation" json:"current_operation,omitempty"`

	ErrorMessage *string `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorDetails *string `gorm:"column:error_details" json:"error_details,omitempty"`
	RetryCount   int     `gorm:"column:retry_count" json:"retry_count"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Sync) TableName() string {
	return "syncs"
}

// Terminal reports whether the job can no longer change state.
func (s *Sync) Terminal() bool {
	return s.Status == SyncCompleted || s.Status == SyncFailed || s.Status == SyncCancelled
}

// InFlight reports whether the job is pending or running.
func (s *Sync) InFlight() bool {
	return s.Status == SyncPending || s.Status == SyncRunning
}
