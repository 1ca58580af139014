package models

import (
	"time"

	"github.com/lib/pq"
)

// Message is the local mirror of one remote mail item. (user_id, external_id)
// is unique; re-syncing the same remote message updates the existing row.
type Message struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	ExternalID string         `gorm:"column:external_id" json:"external_id"`
	UserID     string         `gorm:"column:user_id;index" json:"user_id"`
	ThreadID   *string        `gorm:"column:thread_id" json:"thread_id,omitempty"`
	LabelIDs   pq.StringArray `gorm:"column:label_ids;type:text[]" json:"label_ids"`
	Snippet    *string        `gorm:"column:snippet" json:"snippet,omitempty"`

	HistoryID    *string `gorm:"column:history_id" json:"history_id,omitempty"`
	InternalDate *int64  `gorm:"column:internal_date" json:"internal_date,omitempty"` // epoch millis
	SizeEstimate *int64  `gorm:"column:size_estimate" json:"size_estimate,omitempty"`

	FromAddress *string `gorm:"column:from_address" json:"from_address,omitempty"`
	ToAddress   *string `gorm:"column:to_address" json:"to_address,omitempty"`
	CcAddress   *string `gorm:"column:cc_address" json:"cc_address,omitempty"`
	Subject     *string `gorm:"column:subject" json:"subject,omitempty"`
	Body        *string `gorm:"column:body" json:"body,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "messages"
}
