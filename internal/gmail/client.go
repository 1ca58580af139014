package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftbox/mailbridge/internal/service"
)

// Scope sets requested during authorization. Login identifies the account;
// mailbox scopes grant message access. Start requests the union.
var (
	LoginScopes   = []string{"https://www.googleapis.com/auth/userinfo.email"}
	MailboxScopes = []string{gmail.GmailReadonlyScope, gmail.GmailModifyScope}
)

const listPageSize = 500

type Client struct {
	clientID     string
	clientSecret string
	callTimeout  time.Duration
}

func NewClient(clientID, clientSecret string, callTimeout time.Duration) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		callTimeout:  callTimeout,
	}
}

// oauthConfig builds the OAuth2 config for a given callback URI
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	scopes := append(append([]string{}, LoginScopes...), MailboxScopes...)
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

// AuthCodeURL builds the provider authorization URL for a connection attempt
func (c *Client) AuthCodeURL(state, redirectURI string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for tokens. Granted scopes may be
// a subset of what was requested.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, []string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	token, err := c.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	var granted []string
	if raw, ok := token.Extra("scope").(string); ok && raw != "" {
		granted = strings.Fields(raw)
	}
	return token, granted, nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{RefreshToken: refreshToken}

	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	return result, nil
}

// service builds a Gmail service bound to an access token
func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// GetProfile returns the account email and its current history cursor
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*service.Profile, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &service.Profile{
		EmailAddress: profile.EmailAddress,
		HistoryID:    strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// ListMessageIDs fetches one page of message IDs (lightweight, no bodies)
func (c *Client) ListMessageIDs(ctx context.Context, accessToken, pageToken string) (*service.MessageIDPage, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").MaxResults(listPageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}

	return &service.MessageIDPage{
		MessageIDs:    ids,
		NextPageToken: resp.NextPageToken,
	}, nil
}

// ListHistorySince fetches one page of history records after the cursor,
// collecting only message-added events
func (c *Client) ListHistorySince(ctx context.Context, accessToken, cursor, pageToken string) (*service.HistoryPage, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	call := svc.Users.History.List("me").StartHistoryId(startID).MaxResults(listPageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		// Gmail answers 404 when the start history id has aged out of the
		// retention window. The caller re-lists the mailbox instead.
		var apiErr *googleapi.Error
		if ok := asGoogleAPIError(err, &apiErr); ok && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: start history id %d", service.ErrCursorExpired, startID)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	latest := startID
	var ids []string
	seen := make(map[string]bool)
	for _, h := range resp.History {
		if h.Id > latest {
			latest = h.Id
		}
		for _, added := range h.MessagesAdded {
			id := added.Message.Id
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	newCursor := strconv.FormatUint(latest, 10)
	if resp.HistoryId > latest {
		newCursor = strconv.FormatUint(resp.HistoryId, 10)
	}

	return &service.HistoryPage{
		AddedMessageIDs: ids,
		NextPageToken:   resp.NextPageToken,
		NewCursor:       newCursor,
	}, nil
}

// GetMessage fetches a single message and projects it into the local schema
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*service.RemoteMessage, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return projectMessage(msg), nil
}

// ModifyLabels adds/removes labels on a remote message
func (c *Client) ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) ([]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	msg, err := svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to modify labels: %w", err)
	}
	return msg.LabelIds, nil
}

// TrashMessage moves a remote message to trash. A 404 means the message is
// already gone, which counts as success.
func (c *Client) TrashMessage(ctx context.Context, accessToken, messageID string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	if _, err := svc.Users.Messages.Trash("me", messageID).Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if ok := asGoogleAPIError(err, &apiErr); ok && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to trash message: %w", err)
	}
	return nil
}

// SendMessage sends an RFC 5322 payload via the provider
func (c *Client) SendMessage(ctx context.Context, accessToken string, raw []byte) (*service.RemoteMessage, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Re-fetch for the full representation; send returns a sparse message.
	full, err := svc.Users.Messages.Get("me", sent.Id).Format("full").Context(ctx).Do()
	if err != nil {
		return projectMessage(sent), nil
	}
	return projectMessage(full), nil
}
