package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftbox/mailbridge/internal/config"
	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/service"
)

type stubQueue struct {
	getPendingJobsFunc     func(ctx context.Context, limit int) ([]models.Sync, error)
	markRunningFunc        func(ctx context.Context, syncID string) error
	completeWithCursorFunc func(ctx context.Context, job *models.Sync, newHistoryID *string) error
	markFailedFunc         func(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error
	failStaleRunningFunc   func(ctx context.Context, errorMessage string) (int64, error)
}

func (s *stubQueue) GetPendingJobs(ctx context.Context, limit int) ([]models.Sync, error) {
	if s.getPendingJobsFunc == nil {
		return nil, nil
	}
	return s.getPendingJobsFunc(ctx, limit)
}

func (s *stubQueue) MarkRunning(ctx context.Context, syncID string) error {
	if s.markRunningFunc == nil {
		return nil
	}
	return s.markRunningFunc(ctx, syncID)
}

func (s *stubQueue) CompleteWithCursor(ctx context.Context, job *models.Sync, newHistoryID *string) error {
	if s.completeWithCursorFunc == nil {
		return nil
	}
	return s.completeWithCursorFunc(ctx, job, newHistoryID)
}

func (s *stubQueue) MarkFailed(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error {
	if s.markFailedFunc == nil {
		return nil
	}
	return s.markFailedFunc(ctx, syncID, errorMessage, errorDetails)
}

func (s *stubQueue) FailStaleRunning(ctx context.Context, errorMessage string) (int64, error) {
	if s.failStaleRunningFunc == nil {
		return 0, nil
	}
	return s.failStaleRunningFunc(ctx, errorMessage)
}

type stubConnections struct {
	getAnyByIDFunc func(ctx context.Context, connectionID string) (*models.Connection, error)
	updateFunc     func(ctx context.Context, connectionID string, updates map[string]interface{}) error
	markFailedFunc func(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error
}

func (s *stubConnections) GetAnyByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	if s.getAnyByIDFunc == nil {
		return nil, errors.New("unexpected GetAnyByID")
	}
	return s.getAnyByIDFunc(ctx, connectionID)
}

func (s *stubConnections) Update(ctx context.Context, connectionID string, updates map[string]interface{}) error {
	if s.updateFunc == nil {
		return nil
	}
	return s.updateFunc(ctx, connectionID, updates)
}

func (s *stubConnections) MarkFailed(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error {
	if s.markFailedFunc == nil {
		return nil
	}
	return s.markFailedFunc(ctx, connectionID, status, lastError)
}

type stubJanitor struct {
	deleteExpiredFunc func(ctx context.Context, now time.Time) (int64, error)
}

func (s *stubJanitor) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.deleteExpiredFunc == nil {
		return 0, nil
	}
	return s.deleteExpiredFunc(ctx, now)
}

func newTestWorker(t *testing.T, queue *stubQueue, connections *stubConnections) *Worker {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	cipher, err := crypto.NewTokenCipher(key)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	credentials := service.NewCredentialAdapter(cipher, nil)
	engine := service.NewSyncEngine(nil, nil, nil, 10, log)

	cfg := &config.Config{PollInterval: 1}
	return New(cfg, queue, connections, &stubJanitor{}, credentials, engine, log)
}

// A shutdown can cancel the loop context while a job is mid-run. The failure
// write that moves the job out of running must still reach the database, or
// the connection's in-flight slot is held forever.
func TestRunJob_FailureWriteSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var failedID string
	queue := &stubQueue{
		markFailedFunc: func(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error {
			if ctx.Err() != nil {
				t.Errorf("MarkFailed received a dead context: %v", ctx.Err())
			}
			failedID = syncID
			return nil
		},
	}
	connections := &stubConnections{
		getAnyByIDFunc: func(ctx context.Context, connectionID string) (*models.Connection, error) {
			// Simulate a shutdown arriving while the job is running.
			cancel()
			return nil, ctx.Err()
		},
	}

	w := newTestWorker(t, queue, connections)
	w.runJob(ctx, models.Sync{ID: "sync-1", ConnectionID: "conn-1", UserID: "user-1", SyncType: models.SyncTypeManual})

	if failedID != "sync-1" {
		t.Fatalf("expected sync-1 to be marked failed, got %q", failedID)
	}
}

func TestRunJob_CredentialErrorMarksConnectionOnLiveContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	markedStatus := models.ConnectionStatus("")
	connections := &stubConnections{
		getAnyByIDFunc: func(ctx context.Context, connectionID string) (*models.Connection, error) {
			cancel()
			// No refresh token stored, so materializing must fail.
			return &models.Connection{ID: connectionID, UserID: "user-1"}, nil
		},
		markFailedFunc: func(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error {
			if ctx.Err() != nil {
				t.Errorf("connection MarkFailed received a dead context: %v", ctx.Err())
			}
			markedStatus = status
			return nil
		},
	}

	markFailedCalled := false
	queue := &stubQueue{
		markFailedFunc: func(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error {
			if ctx.Err() != nil {
				t.Errorf("MarkFailed received a dead context: %v", ctx.Err())
			}
			markFailedCalled = true
			return nil
		},
	}

	w := newTestWorker(t, queue, connections)
	w.runJob(ctx, models.Sync{ID: "sync-1", ConnectionID: "conn-1", UserID: "user-1", SyncType: models.SyncTypeFull})

	if markedStatus != models.ConnectionExpired {
		t.Fatalf("expected connection marked expired, got %q", markedStatus)
	}
	if !markFailedCalled {
		t.Fatal("expected the sync to be marked failed")
	}
}

func TestStart_FailsStrandedRunningJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sweptMessage string
	queue := &stubQueue{
		failStaleRunningFunc: func(ctx context.Context, errorMessage string) (int64, error) {
			sweptMessage = errorMessage
			return 2, nil
		},
	}

	w := newTestWorker(t, queue, &stubConnections{})
	if err := w.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start: expected context.Canceled, got %v", err)
	}

	if sweptMessage == "" {
		t.Fatal("expected stranded running jobs to be failed at startup")
	}
}
