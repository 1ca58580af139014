package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/models"
)

var (
	// ErrDecryptionFailed means stored ciphertext did not authenticate
	// (tampered row or an incompatible key).
	ErrDecryptionFailed = errors.New("failed to decrypt stored tokens")

	// ErrMissingRefreshToken means the access token is expired and there is
	// no refresh token to recover with. The caller should mark the
	// connection expired.
	ErrMissingRefreshToken = errors.New("access token expired and no refresh token available")

	// ErrRefreshRejected means the provider refused the refresh round-trip.
	ErrRefreshRejected = errors.New("provider rejected token refresh")
)

// expirySkew treats tokens about to expire as already expired, so a sync
// never starts with a credential that dies mid-run.
const expirySkew = 60 * time.Second

// TokenRefresher is the slice of the provider the adapter needs.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// LiveCredential is a decrypted, currently valid credential. When Refreshed
// is set the caller owns persisting the rotated material back onto the
// connection; the adapter does not touch the database.
type LiveCredential struct {
	AccessToken string
	Expiry      *time.Time // nil means the token does not expire

	Refreshed           bool
	RotatedRefreshToken string // non-empty only if the provider rotated it
}

// CredentialAdapter materializes live credentials from encrypted connection
// rows, refreshing through the provider when the access token has expired.
type CredentialAdapter struct {
	cipher    *crypto.TokenCipher
	refresher TokenRefresher
}

func NewCredentialAdapter(cipher *crypto.TokenCipher, refresher TokenRefresher) *CredentialAdapter {
	return &CredentialAdapter{cipher: cipher, refresher: refresher}
}

// Materialize converts a stored connection into a live credential. A
// still-valid access token is returned without any network call, so calling
// twice in quick succession is cheap.
func (a *CredentialAdapter) Materialize(ctx context.Context, conn *models.Connection) (*LiveCredential, error) {
	accessToken, err := a.cipher.DecryptPtr(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	refreshToken, err := a.cipher.DecryptPtr(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if accessToken != nil && !expired(conn.AccessTokenExpiry) {
		return &LiveCredential{
			AccessToken: *accessToken,
			Expiry:      conn.AccessTokenExpiry,
		}, nil
	}

	return a.refresh(ctx, refreshToken)
}

// ForceRefresh performs the refresh round-trip even when the stored access
// token is still valid. Used by the explicit refresh endpoint.
func (a *CredentialAdapter) ForceRefresh(ctx context.Context, conn *models.Connection) (*LiveCredential, error) {
	refreshToken, err := a.cipher.DecryptPtr(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return a.refresh(ctx, refreshToken)
}

func (a *CredentialAdapter) refresh(ctx context.Context, refreshToken *string) (*LiveCredential, error) {
	if refreshToken == nil {
		return nil, ErrMissingRefreshToken
	}

	result, err := a.refresher.RefreshAccessToken(ctx, *refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}

	cred := &LiveCredential{
		AccessToken: result.AccessToken,
		Refreshed:   true,
	}
	if !result.ExpiresAt.IsZero() {
		expiry := result.ExpiresAt
		cred.Expiry = &expiry
	}
	if result.RefreshToken != "" && result.RefreshToken != *refreshToken {
		cred.RotatedRefreshToken = result.RefreshToken
	}
	return cred, nil
}

// EncryptForStorage re-encrypts refreshed material for persisting onto the
// connection. Returns the access token ciphertext, the refresh token
// ciphertext (nil when not rotated), and the expiry.
func (a *CredentialAdapter) EncryptForStorage(cred *LiveCredential) (*string, *string, *time.Time, error) {
	access, err := a.cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refresh *string
	if cred.RotatedRefreshToken != "" {
		enc, err := a.cipher.Encrypt(cred.RotatedRefreshToken)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refresh = &enc
	}

	return &access, refresh, cred.Expiry, nil
}

// expired treats a nil expiry as never-expiring
func expired(expiry *time.Time) bool {
	if expiry == nil {
		return false
	}
	return time.Now().Add(expirySkew).After(*expiry)
}
