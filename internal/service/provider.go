package service

import (
	"context"
	"errors"
	"time"
)

// ErrCursorExpired means the provider no longer holds history for the stored
// cursor. Gmail keeps roughly a week of history; a connection idle longer
// than that must re-list the mailbox from scratch.
var ErrCursorExpired = errors.New("history cursor expired")

// MailProvider is the remote mailbox surface the sync engine runs against.
// The Gmail client implements it; tests inject fakes.
type MailProvider interface {
	// ListMessageIDs pages through the full mailbox listing.
	ListMessageIDs(ctx context.Context, accessToken, pageToken string) (*MessageIDPage, error)

	// ListHistorySince pages through the change history starting at a cursor,
	// returning only message-added events.
	ListHistorySince(ctx context.Context, accessToken, cursor, pageToken string) (*HistoryPage, error)

	// GetMessage fetches one message's full representation.
	GetMessage(ctx context.Context, accessToken, messageID string) (*RemoteMessage, error)

	// GetProfile returns the account's canonical identifier and its current
	// history cursor.
	GetProfile(ctx context.Context, accessToken string) (*Profile, error)

	// ModifyLabels adds and removes labels on a remote message and returns
	// the resulting label set.
	ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) ([]string, error)

	// TrashMessage moves a remote message to trash. Missing or already
	// trashed messages count as success.
	TrashMessage(ctx context.Context, accessToken, messageID string) error

	// SendMessage sends an RFC 5322 payload and returns the provider's view
	// of the stored message.
	SendMessage(ctx context.Context, accessToken string, raw []byte) (*RemoteMessage, error)

	// RefreshAccessToken trades a refresh token for a fresh access token.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

type MessageIDPage struct {
	MessageIDs    []string
	NextPageToken string
}

type HistoryPage struct {
	AddedMessageIDs []string
	NextPageToken   string
	NewCursor       string
}

type Profile struct {
	EmailAddress string
	HistoryID    string
}

// RemoteMessage is a provider message projected into the local schema.
type RemoteMessage struct {
	ExternalID   string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryID    string
	InternalDate int64 // epoch millis
	SizeEstimate int64
	From         string
	To           string
	Cc           string
	Subject      string
	Body         string
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // may be rotated or the same
}
