package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/repository"
	"github.com/driftbox/mailbridge/internal/service"
)

var (
	ErrUnsupportedProvider = errors.New("provider not supported")
	ErrUntrustedRedirect   = errors.New("redirect URI is not in the allow-list")
	ErrAuthorizationDenied = errors.New("provider reported an authorization error")
	ErrInvalidState        = errors.New("invalid state token")
	ErrStateExpired        = errors.New("state token expired")
	ErrRedirectMismatch    = errors.New("callback redirect URI does not match the authorization request")
	ErrTokenExchangeFailed = errors.New("failed to exchange authorization code")
	ErrAccountLookupFailed = errors.New("failed to look up remote account")
)

// StateTTL bounds how long an authorization attempt may sit between redirect
// and callback.
const StateTTL = 5 * time.Minute

// Provider is the slice of the mail provider the flow needs.
type Provider interface {
	AuthCodeURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, []string, error)
	GetProfile(ctx context.Context, accessToken string) (*service.Profile, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error)
}

type ConnectionStore interface {
	Create(ctx context.Context, conn *models.Connection) error
	GetAnyByID(ctx context.Context, connectionID string) (*models.Connection, error)
	FindByAccount(ctx context.Context, userID string, provider models.OAuthProvider, providerAccountID string) (*models.Connection, error)
	Update(ctx context.Context, connectionID string, updates map[string]interface{}) error
	Delete(ctx context.Context, userID, connectionID string) error
}

type StateStore interface {
	Create(ctx context.Context, state *models.OAuthState) error
	Consume(ctx context.Context, stateToken string) (*models.OAuthState, error)
}

// Flow coordinates the OAuth connection lifecycle: building authorization
// URLs, consuming callbacks, and activating connections.
type Flow struct {
	connections      ConnectionStore
	states           StateStore
	provider         Provider
	cipher           *crypto.TokenCipher
	allowedRedirects []string
	log              *logrus.Logger
}

func NewFlow(connections ConnectionStore, states StateStore, provider Provider, cipher *crypto.TokenCipher, allowedRedirects []string, log *logrus.Logger) *Flow {
	return &Flow{
		connections:      connections,
		states:           states,
		provider:         provider,
		cipher:           cipher,
		allowedRedirects: allowedRedirects,
		log:              log,
	}
}

// StartResult is returned to the client, which redirects the user to
// AuthorizationURL.
type StartResult struct {
	ConnectionID     string
	AuthorizationURL string
	State            string
}

// Start creates a pending connection and its CSRF state and returns the
// provider authorization URL. The redirect URI is resolved by the caller
// from the serving host and must be registered in the allow-list.
func (f *Flow) Start(ctx context.Context, userID string, provider models.OAuthProvider, redirectURI string) (*StartResult, error) {
	if provider != models.ProviderGmail && provider != models.ProviderGoogle {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if !f.redirectAllowed(redirectURI) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedRedirect, redirectURI)
	}

	conn := &models.Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		Provider: provider,
		Status:   models.ConnectionPending,
	}
	if err := f.connections.Create(ctx, conn); err != nil {
		return nil, err
	}

	state, err := newStateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := f.states.Create(ctx, &models.OAuthState{
		StateToken:   state,
		ConnectionID: conn.ID,
		UserID:       userID,
		Provider:     provider,
		RedirectURI:  redirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(StateTTL),
	}); err != nil {
		return nil, err
	}

	return &StartResult{
		ConnectionID:     conn.ID,
		AuthorizationURL: f.provider.AuthCodeURL(state, redirectURI),
		State:            state,
	}, nil
}

// Callback consumes the provider redirect. The state token is deleted on
// every outcome, success or failure; a second callback with the same state
// sees ErrInvalidState.
func (f *Flow) Callback(ctx context.Context, code, state, providerError, redirectURI string) (*models.Connection, error) {
	if providerError != "" {
		// Still burn the state so the token cannot be replayed later.
		if state != "" {
			if _, err := f.states.Consume(ctx, state); err != nil && !errors.Is(err, repository.ErrStateNotFound) {
				f.log.WithError(err).Warn("failed to clean up oauth state after provider error")
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, providerError)
	}

	// Consume-first makes the token single-use under concurrent callbacks:
	// only one delete returns the row.
	st, err := f.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, repository.ErrStateNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}
	if st.Expired(time.Now()) {
		return nil, ErrStateExpired
	}

	conn, err := f.connections.GetAnyByID(ctx, st.ConnectionID)
	if err != nil {
		return nil, err
	}

	if redirectURI != st.RedirectURI || !f.redirectAllowed(redirectURI) {
		return nil, ErrRedirectMismatch
	}

	token, granted, err := f.provider.ExchangeCode(ctx, code, st.RedirectURI)
	if err != nil {
		f.persistFailure(ctx, conn.ID, fmt.Sprintf("token exchange failed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	// A provider can hand back an already-expired credential; refresh before
	// persisting so the connection starts usable.
	if !token.Expiry.IsZero() && token.Expiry.Before(time.Now()) && token.RefreshToken != "" {
		refreshed, err := f.provider.RefreshAccessToken(ctx, token.RefreshToken)
		if err != nil {
			f.persistFailure(ctx, conn.ID, fmt.Sprintf("initial token refresh failed: %v", err))
			return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
		}
		token.AccessToken = refreshed.AccessToken
		token.Expiry = refreshed.ExpiresAt
		if refreshed.RefreshToken != "" {
			token.RefreshToken = refreshed.RefreshToken
		}
	}

	profile, err := f.provider.GetProfile(ctx, token.AccessToken)
	if err != nil {
		f.persistFailure(ctx, conn.ID, fmt.Sprintf("account lookup failed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrAccountLookupFailed, err)
	}

	updates, err := f.activationUpdates(token, granted, profile.EmailAddress)
	if err != nil {
		return nil, err
	}

	// A re-authorization of an account that is already linked updates the
	// existing row instead of leaving two live connections behind.
	existing, err := f.connections.FindByAccount(ctx, st.UserID, st.Provider, profile.EmailAddress)
	if err == nil && existing.ID != conn.ID {
		if err := f.connections.Update(ctx, existing.ID, updates); err != nil {
			return nil, err
		}
		if err := f.connections.Delete(ctx, st.UserID, conn.ID); err != nil {
			f.log.WithError(err).Warn("failed to remove superseded pending connection")
		}
		return f.connections.GetAnyByID(ctx, existing.ID)
	}
	if err != nil && !errors.Is(err, repository.ErrConnectionNotFound) {
		return nil, err
	}

	if err := f.connections.Update(ctx, conn.ID, updates); err != nil {
		return nil, err
	}
	return f.connections.GetAnyByID(ctx, conn.ID)
}

// activationUpdates builds the column set that flips a pending connection to
// active, with tokens encrypted at rest
func (f *Flow) activationUpdates(token *oauth2.Token, granted []string, accountID string) (map[string]interface{}, error) {
	encryptedAccess, err := f.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	updates := map[string]interface{}{
		"provider_account_id": accountID,
		"status":              models.ConnectionActive,
		"is_active":           true,
		"access_token":        encryptedAccess,
		"scopes":              grantedScopes(granted),
		"last_error":          nil,
	}

	if token.RefreshToken != "" {
		encryptedRefresh, err := f.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		updates["refresh_token"] = encryptedRefresh
	}

	// Absent expiry means the token never expires.
	if !token.Expiry.IsZero() {
		updates["access_token_expiry"] = token.Expiry
	} else {
		updates["access_token_expiry"] = nil
	}

	return updates, nil
}

func (f *Flow) persistFailure(ctx context.Context, connectionID, diagnostic string) {
	err := f.connections.Update(ctx, connectionID, map[string]interface{}{
		"status":     models.ConnectionFailed,
		"is_active":  false,
		"last_error": diagnostic,
	})
	if err != nil {
		f.log.WithError(err).Error("failed to persist connection failure diagnostic")
	}
}

// grantedScopes normalizes the provider's granted scope set for the text[]
// column; nil would write SQL NULL
func grantedScopes(granted []string) interface{} {
	if granted == nil {
		granted = []string{}
	}
	return pq.Array(granted)
}

func (f *Flow) redirectAllowed(redirectURI string) bool {
	for _, allowed := range f.allowedRedirects {
		if redirectURI == allowed {
			return true
		}
	}
	return false
}

func newStateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
