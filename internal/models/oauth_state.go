package models

import "time"

// OAuthState is the short-lived CSRF binding between an authorization redirect
// and its callback. Rows live for about five minutes and are deleted on the
// callback path no matter how the callback turns out.
type OAuthState struct {
	StateToken   string        `gorm:"column:state_token;primaryKey"`
	ConnectionID string        `gorm:"column:connection_id"`
	UserID       string        `gorm:"column:user_id;index"`
	Provider     OAuthProvider `gorm:"column:provider"`

	// RedirectURI is the exact callback URI the authorization URL was built
	// with; the callback must resolve to the same one.
	RedirectURI string `gorm:"column:redirect_uri"`

	CreatedAt time.Time `gorm:"column:created_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

// TableName specifies the table name for GORM
func (OAuthState) TableName() string {
	return "oauth_states"
}

// Expired reports whether the state token is past its TTL.
func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
