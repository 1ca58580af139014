package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/driftbox/mailbridge/internal/models"
)

// MessageStore is the slice of the message repository the engine writes
// through.
type MessageStore interface {
	UpsertBatch(ctx context.Context, msgs []models.Message) (inserted int, updated int, err error)
}

// SyncProgressStore persists live job telemetry and lets the engine notice
// cancellation at batch boundaries.
type SyncProgressStore interface {
	UpdateProgress(ctx context.Context, syncID string, percentage int, operation string) error
	UpdateCounters(ctx context.Context, syncID string, synced, added, updated int) error
	GetByID(ctx context.Context, syncID string) (*models.Sync, error)
}

// SyncResult is what one engine run achieved. LastHistoryID is the cursor
// the connection should resume from.
type SyncResult struct {
	MessagesSynced  int
	MessagesNew     int
	MessagesUpdated int
	LastHistoryID   *string
	Cancelled       bool
}

// SyncEngine executes full or incremental retrieval against the remote
// mailbox and mirrors messages into the local store.
type SyncEngine struct {
	provider  MailProvider
	messages  MessageStore
	progress  SyncProgressStore
	batchSize int
	log       *logrus.Logger
}

func NewSyncEngine(provider MailProvider, messages MessageStore, progress SyncProgressStore, batchSize int, log *logrus.Logger) *SyncEngine {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &SyncEngine{
		provider:  provider,
		messages:  messages,
		progress:  progress,
		batchSize: batchSize,
		log:       log,
	}
}

// Run executes one sync job with an already-materialized credential. Failure
// anywhere aborts the run; batches committed before the failure stay
// persisted, which is safe because the upsert is idempotent.
func (e *SyncEngine) Run(ctx context.Context, job *models.Sync, cred *LiveCredential, cursor *string) (*SyncResult, error) {
	full := job.SyncType == models.SyncTypeFull || cursor == nil || *cursor == ""

	var (
		messageIDs []string
		newCursor  string
		err        error
	)
	if full {
		messageIDs, newCursor, err = e.collectFull(ctx, job, cred.AccessToken)
	} else {
		messageIDs, newCursor, err = e.collectIncremental(ctx, job, cred.AccessToken, *cursor)
		if errors.Is(err, ErrCursorExpired) {
			e.log.WithFields(logrus.Fields{
				"sync_id": job.ID,
				"cursor":  *cursor,
			}).Warn("history cursor expired, falling back to full sync")
			full = true
			messageIDs, newCursor, err = e.collectFull(ctx, job, cred.AccessToken)
		}
	}
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"sync_id":    job.ID,
		"full":       full,
		"message_ct": len(messageIDs),
	}).Info("collected remote message ids")

	result := &SyncResult{}
	if newCursor != "" {
		result.LastHistoryID = &newCursor
	}

	total := len(messageIDs)
	if total == 0 {
		return result, nil
	}

	batch := make([]models.Message, 0, e.batchSize)
	processed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, updated, err := e.messages.UpsertBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to persist message batch: %w", err)
		}
		result.MessagesNew += inserted
		result.MessagesUpdated += updated
		result.MessagesSynced += len(batch)
		batch = batch[:0]

		if err := e.progress.UpdateCounters(ctx, job.ID, result.MessagesSynced, result.MessagesNew, result.MessagesUpdated); err != nil {
			e.log.WithError(err).Warn("failed to persist sync counters")
		}
		pct := processed * 100 / total
		op := fmt.Sprintf("Ingested %d/%d messages", processed, total)
		if err := e.progress.UpdateProgress(ctx, job.ID, pct, op); err != nil {
			e.log.WithError(err).Warn("failed to persist sync progress")
		}
		return nil
	}

	for _, id := range messageIDs {
		remote, err := e.provider.GetMessage(ctx, cred.AccessToken, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
		}
		batch = append(batch, ProjectRemote(remote, job.UserID))
		processed++

		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
			cancelled, err := e.cancelled(ctx, job.ID)
			if err != nil {
				e.log.WithError(err).Warn("failed to check cancellation")
			} else if cancelled {
				result.Cancelled = true
				return result, nil
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return result, nil
}

// collectFull pages the whole mailbox listing to exhaustion and adopts the
// profile's current history id as the new cursor.
func (e *SyncEngine) collectFull(ctx context.Context, job *models.Sync, accessToken string) ([]string, string, error) {
	var ids []string
	pageToken := ""
	for {
		page, err := e.provider.ListMessageIDs(ctx, accessToken, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("failed to list messages: %w", err)
		}
		ids = append(ids, page.MessageIDs...)

		if err := e.progress.UpdateProgress(ctx, job.ID, 0, fmt.Sprintf("Listed %d messages", len(ids))); err != nil {
			e.log.WithError(err).Warn("failed to persist sync progress")
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	profile, err := e.provider.GetProfile(ctx, accessToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get profile for cursor: %w", err)
	}
	return ids, profile.HistoryID, nil
}

// collectIncremental pages the change history from the stored cursor,
// keeping only added messages, and adopts the last page's reported cursor.
func (e *SyncEngine) collectIncremental(ctx context.Context, job *models.Sync, accessToken, cursor string) ([]string, string, error) {
	var ids []string
	seen := make(map[string]bool)
	newCursor := cursor
	pageToken := ""
	for {
		page, err := e.provider.ListHistorySince(ctx, accessToken, cursor, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("failed to list history: %w", err)
		}
		for _, id := range page.AddedMessageIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if page.NewCursor != "" {
			newCursor = page.NewCursor
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return ids, newCursor, nil
}

func (e *SyncEngine) cancelled(ctx context.Context, syncID string) (bool, error) {
	job, err := e.progress.GetByID(ctx, syncID)
	if err != nil {
		return false, err
	}
	return job.Status == models.SyncCancelled, nil
}

// ProjectRemote maps a provider message onto a local mirror row
func ProjectRemote(remote *RemoteMessage, userID string) models.Message {
	msg := models.Message{
		ExternalID: remote.ExternalID,
		UserID:     userID,
		LabelIDs:   remote.LabelIDs,
	}
	if remote.ThreadID != "" {
		msg.ThreadID = strPtr(remote.ThreadID)
	}
	if remote.Snippet != "" {
		msg.Snippet = strPtr(remote.Snippet)
	}
	if remote.HistoryID != "" {
		msg.HistoryID = strPtr(remote.HistoryID)
	}
	if remote.InternalDate != 0 {
		msg.InternalDate = &remote.InternalDate
	}
	if remote.SizeEstimate != 0 {
		msg.SizeEstimate = &remote.SizeEstimate
	}
	if remote.From != "" {
		msg.FromAddress = strPtr(remote.From)
	}
	if remote.To != "" {
		msg.ToAddress = strPtr(remote.To)
	}
	if remote.Cc != "" {
		msg.CcAddress = strPtr(remote.Cc)
	}
	if remote.Subject != "" {
		msg.Subject = strPtr(remote.Subject)
	}
	if remote.Body != "" {
		msg.Body = strPtr(remote.Body)
	}
	return msg
}

func strPtr(s string) *string {
	return &s
}
