package oauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/repository"
	"github.com/driftbox/mailbridge/internal/service"
)

const testRedirect = "https://app.example.com/oauth/callback/google"

type fakeConnectionStore struct {
	conns map[string]*models.Connection
}

func newFakeConnectionStore() *fakeConnectionStore {
	return &fakeConnectionStore{conns: make(map[string]*models.Connection)}
}

func (s *fakeConnectionStore) Create(ctx context.Context, conn *models.Connection) error {
	copied := *conn
	s.conns[conn.ID] = &copied
	return nil
}

func (s *fakeConnectionStore) GetAnyByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	conn, ok := s.conns[connectionID]
	if !ok {
		return nil, repository.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeConnectionStore) FindByAccount(ctx context.Context, userID string, provider models.OAuthProvider, providerAccountID string) (*models.Connection, error) {
	for _, conn := range s.conns {
		if conn.UserID == userID && conn.Provider == provider &&
			conn.ProviderAccountID != nil && *conn.ProviderAccountID == providerAccountID {
			copied := *conn
			return &copied, nil
		}
	}
	return nil, repository.ErrConnectionNotFound
}

func (s *fakeConnectionStore) Update(ctx context.Context, connectionID string, updates map[string]interface{}) error {
	conn, ok := s.conns[connectionID]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	for column, value := range updates {
		switch column {
		case "status":
			conn.Status = value.(models.ConnectionStatus)
		case "is_active":
			conn.IsActive = value.(bool)
		case "access_token":
			str := value.(string)
			conn.AccessToken = &str
		case "refresh_token":
			str := value.(string)
			conn.RefreshToken = &str
		case "access_token_expiry":
			if value == nil {
				conn.AccessTokenExpiry = nil
			} else {
				expiry := value.(time.Time)
				conn.AccessTokenExpiry = &expiry
			}
		case "provider_account_id":
			str := value.(string)
			conn.ProviderAccountID = &str
		case "last_error":
			if value == nil {
				conn.LastError = nil
			} else {
				str := value.(string)
				conn.LastError = &str
			}
		}
	}
	return nil
}

func (s *fakeConnectionStore) Delete(ctx context.Context, userID, connectionID string) error {
	conn, ok := s.conns[connectionID]
	if !ok || conn.UserID != userID {
		return repository.ErrConnectionNotFound
	}
	delete(s.conns, connectionID)
	return nil
}

type fakeStateStore struct {
	states map[string]*models.OAuthState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]*models.OAuthState)}
}

func (s *fakeStateStore) Create(ctx context.Context, state *models.OAuthState) error {
	copied := *state
	s.states[state.StateToken] = &copied
	return nil
}

func (s *fakeStateStore) Consume(ctx context.Context, stateToken string) (*models.OAuthState, error) {
	state, ok := s.states[stateToken]
	if !ok {
		return nil, repository.ErrStateNotFound
	}
	delete(s.states, stateToken)
	return state, nil
}

type fakeProvider struct {
	exchangeFunc func(ctx context.Context, code, redirectURI string) (*oauth2.Token, []string, error)
	profileFunc  func(ctx context.Context, accessToken string) (*service.Profile, error)
	refreshFunc  func(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error)
}

func (p *fakeProvider) AuthCodeURL(state, redirectURI string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, []string, error) {
	if p.exchangeFunc != nil {
		return p.exchangeFunc(ctx, code, redirectURI)
	}
	return &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, []string{"scope.readonly"}, nil
}

func (p *fakeProvider) GetProfile(ctx context.Context, accessToken string) (*service.Profile, error) {
	if p.profileFunc != nil {
		return p.profileFunc(ctx, accessToken)
	}
	return &service.Profile{EmailAddress: "user@example.com", HistoryID: "H1"}, nil
}

func (p *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	if p.refreshFunc != nil {
		return p.refreshFunc(ctx, refreshToken)
	}
	return nil, errors.New("unexpected refresh call")
}

type flowFixture struct {
	flow   *Flow
	conns  *fakeConnectionStore
	states *fakeStateStore
	cipher *crypto.TokenCipher
}

func newFlowFixture(t *testing.T, provider *fakeProvider) *flowFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	cipher, err := crypto.NewTokenCipher(key)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	conns := newFakeConnectionStore()
	states := newFakeStateStore()
	return &flowFixture{
		flow:   NewFlow(conns, states, provider, cipher, []string{testRedirect}, log),
		conns:  conns,
		states: states,
		cipher: cipher,
	}
}

func TestFlow_Start_UnsupportedProvider(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	_, err := fx.flow.Start(context.Background(), "user-1", models.ProviderSlack, testRedirect)
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestFlow_Start_UntrustedRedirect(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	_, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, "https://evil.example.com/cb")
	if !errors.Is(err, ErrUntrustedRedirect) {
		t.Fatalf("expected ErrUntrustedRedirect, got %v", err)
	}
	if len(fx.conns.conns) != 0 {
		t.Error("expected no connection created for an untrusted redirect")
	}
}

func TestFlow_Start_CreatesPendingConnectionAndState(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	result, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(result.AuthorizationURL, result.State) {
		t.Error("expected authorization URL to carry the state token")
	}
	if len(result.State) < 16 {
		t.Errorf("state token too short: %d chars", len(result.State))
	}

	conn, ok := fx.conns.conns[result.ConnectionID]
	if !ok {
		t.Fatal("expected pending connection to exist")
	}
	if conn.Status != models.ConnectionPending {
		t.Errorf("expected pending status, got %s", conn.Status)
	}

	st, ok := fx.states.states[result.State]
	if !ok {
		t.Fatal("expected state record to exist")
	}
	if st.ConnectionID != result.ConnectionID {
		t.Error("state not bound to the pending connection")
	}
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 || ttl > StateTTL {
		t.Errorf("state TTL out of range: %v", ttl)
	}
}

func TestFlow_Callback_ProviderErrorBurnsState(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	start, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = fx.flow.Callback(context.Background(), "", start.State, "access_denied", testRedirect)
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if _, ok := fx.states.states[start.State]; ok {
		t.Error("expected state to be deleted after a provider error")
	}
}

func TestFlow_Callback_InvalidState(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	_, err := fx.flow.Callback(context.Background(), "code", "never-issued", "", testRedirect)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFlow_Callback_ExpiredStateIsConsumed(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	start, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.states.states[start.State].ExpiresAt = time.Now().Add(-time.Minute)

	_, err = fx.flow.Callback(context.Background(), "code", start.State, "", testRedirect)
	if !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected ErrStateExpired, got %v", err)
	}

	// The expired token was consumed; replaying it reads as invalid.
	_, err = fx.flow.Callback(context.Background(), "code", start.State, "", testRedirect)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestFlow_Callback_RedirectMismatch(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	start, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = fx.flow.Callback(context.Background(), "code", start.State, "", "https://other.example.com/cb")
	if !errors.Is(err, ErrRedirectMismatch) {
		t.Fatalf("expected ErrRedirectMismatch, got %v", err)
	}
}

func TestFlow_Callback_ExchangeFailurePersistsDiagnostic(t *testing.T) {
	provider := &fakeProvider{
		exchangeFunc: func(ctx context.Context, code, redirectURI string) (*oauth2.Token, []string, error) {
			return nil, nil, errors.New("invalid_grant")
		},
	}
	fx := newFlowFixture(t, provider)

	start, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = fx.flow.Callback(context.Background(), "bad-code", start.State, "", testRedirect)
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
	}

	conn := fx.conns.conns[start.ConnectionID]
	if conn.Status != models.ConnectionFailed {
		t.Errorf("expected failed status, got %s", conn.Status)
	}
	if conn.LastError == nil || !strings.Contains(*conn.LastError, "invalid_grant") {
		t.Errorf("expected diagnostic in last_error, got %v", conn.LastError)
	}
}

func TestFlow_Callback_SuccessActivatesWithEncryptedTokens(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	start, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := fx.flow.Callback(context.Background(), "code-1", start.State, "", testRedirect)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if conn.Status != models.ConnectionActive || !conn.IsActive {
		t.Errorf("expected active connection, got status=%s is_active=%v", conn.Status, conn.IsActive)
	}
	if conn.ProviderAccountID == nil || *conn.ProviderAccountID != "user@example.com" {
		t.Errorf("expected provider account id, got %v", conn.ProviderAccountID)
	}

	stored := fx.conns.conns[start.ConnectionID]
	if stored.AccessToken == nil || *stored.AccessToken == "access-code-1" {
		t.Error("access token must be stored encrypted, not in plaintext")
	}
	decrypted, err := fx.cipher.Decrypt(*stored.AccessToken)
	if err != nil || decrypted != "access-code-1" {
		t.Errorf("stored access token does not decrypt to the exchanged one: %v", err)
	}

	// The state is single-use.
	_, err = fx.flow.Callback(context.Background(), "code-1", start.State, "", testRedirect)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second callback, got %v", err)
	}
}

func TestFlow_Callback_ReauthorizationUpdatesExistingConnection(t *testing.T) {
	fx := newFlowFixture(t, &fakeProvider{})

	// First authorization.
	first, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	activated, err := fx.flow.Callback(context.Background(), "code-1", first.State, "", testRedirect)
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}

	// Second authorization of the same remote account.
	second, err := fx.flow.Start(context.Background(), "user-1", models.ProviderGmail, testRedirect)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	reactivated, err := fx.flow.Callback(context.Background(), "code-2", second.State, "", testRedirect)
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}

	if reactivated.ID != activated.ID {
		t.Errorf("expected the existing connection to be reused, got %s and %s", activated.ID, reactivated.ID)
	}
	if _, ok := fx.conns.conns[second.ConnectionID]; ok {
		t.Error("expected the superseded pending connection to be removed")
	}
	if got := len(fx.conns.conns); got != 1 {
		t.Errorf("expected exactly one connection row, got %d", got)
	}
}
