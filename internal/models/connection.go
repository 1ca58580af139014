package models

import (
	"time"

	"github.com/lib/pq"
)

type OAuthProvider string

const (
	ProviderGmail   OAuthProvider = "gmail"
	ProviderGoogle  OAuthProvider = "google"
	ProviderSlack   OAuthProvider = "slack"
	ProviderOutlook OAuthProvider = "outlook"
)

type ConnectionStatus string

const (
	ConnectionPending ConnectionStatus = "pending"
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
	ConnectionFailed  ConnectionStatus = "failed"
)

// Connection links a local user to one external mail account.
// Token columns hold ciphertext only; plaintext never touches the database.
type Connection struct {
	ID       string           `gorm:"column:id;primaryKey" json:"id"`
	UserID   string           `gorm:"column:user_id;index" json:"user_id"`
	Provider OAuthProvider    `gorm:"column:provider" json:"provider"`
	Status   ConnectionStatus `gorm:"column:status" json:"status"`
	IsActive bool             `gorm:"column:is_active" json:"is_active"`

	AccessToken       *string        `gorm:"column:access_token" json:"-"`
	RefreshToken      *string        `gorm:"column:refresh_token" json:"-"`
	Scopes            pq.StringArray `gorm:"column:scopes;type:text[]" json:"scopes"`
	AccessTokenExpiry *time.Time     `gorm:"column:access_token_expiry" json:"access_token_expiry,omitempty"`

	// ProviderAccountID is filled in after the first successful token exchange.
	ProviderAccountID *string `gorm:"column:provider_account_id" json:"provider_account_id,omitempty"`

	// LastHistoryID is the provider cursor; nil until a sync has completed.
	LastHistoryID *string `gorm:"column:last_history_id" json:"last_history_id,omitempty"`

	LastError *string `gorm:"column:last_error" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Connection) TableName() string {
	return "connections"
}
