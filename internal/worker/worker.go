package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftbox/mailbridge/internal/config"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/repository"
	"github.com/driftbox/mailbridge/internal/service"
)

const pendingBatch = 5

// finalizeTimeout bounds the detached writes that move a job out of running.
const finalizeTimeout = 10 * time.Second

// SyncQueue is the slice of the sync repository the worker drives jobs
// through.
type SyncQueue interface {
	GetPendingJobs(ctx context.Context, limit int) ([]models.Sync, error)
	MarkRunning(ctx context.Context, syncID string) error
	CompleteWithCursor(ctx context.Context, job *models.Sync, newHistoryID *string) error
	MarkFailed(ctx context.Context, syncID string, errorMessage string, errorDetails *string) error
	FailStaleRunning(ctx context.Context, errorMessage string) (int64, error)
}

type ConnectionStore interface {
	GetAnyByID(ctx context.Context, connectionID string) (*models.Connection, error)
	Update(ctx context.Context, connectionID string, updates map[string]interface{}) error
	MarkFailed(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error
}

type StateJanitor interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Worker claims pending sync jobs off the queue and runs them through the
// sync engine, decoupled from the HTTP requests that created them. It also
// sweeps expired OAuth states each cycle.
type Worker struct {
	cfg         *config.Config
	syncs       SyncQueue
	connections ConnectionStore
	states      StateJanitor
	credentials *service.CredentialAdapter
	engine      *service.SyncEngine
	log         *logrus.Logger

	// kick wakes the poll loop early after a job is created.
	kick chan struct{}
}

func New(
	cfg *config.Config,
	syncs SyncQueue,
	connections ConnectionStore,
	states StateJanitor,
	credentials *service.CredentialAdapter,
	engine *service.SyncEngine,
	log *logrus.Logger,
) *Worker {
	return &Worker{
		cfg:         cfg,
		syncs:       syncs,
		connections: connections,
		states:      states,
		credentials: credentials,
		engine:      engine,
		log:         log,
		kick:        make(chan struct{}, 1),
	}
}

// Kick nudges the worker to poll immediately. Non-blocking; a pending nudge
// is enough.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("starting sync worker")

	// A running row at startup was stranded by a previous process. It would
	// hold its connection's in-flight slot forever, so fail it now; the
	// idempotent upsert makes a retry safe.
	w.recoverStranded(ctx)

	// Pick up jobs left over from previous runs.
	w.cycle(ctx)

	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sync worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.kick:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) recoverStranded(ctx context.Context) {
	recovered, err := w.syncs.FailStaleRunning(ctx, "interrupted by worker restart")
	if err != nil {
		w.log.WithError(err).Error("failed to recover stranded syncs")
		return
	}
	if recovered > 0 {
		w.log.WithField("count", recovered).Warn("failed stranded running syncs from a previous run")
	}
}

func (w *Worker) cycle(ctx context.Context) {
	if swept, err := w.states.DeleteExpired(ctx, time.Now()); err != nil {
		w.log.WithError(err).Error("failed to sweep expired oauth states")
	} else if swept > 0 {
		w.log.WithField("count", swept).Info("swept expired oauth states")
	}

	jobs, err := w.syncs.GetPendingJobs(ctx, pendingBatch)
	if err != nil {
		w.log.WithError(err).Error("failed to query pending syncs")
		return
	}

	for _, job := range jobs {
		w.runJob(ctx, job)
	}
}

// finalizeCtx detaches from the loop context so terminal writes survive a
// shutdown cancel. Without this a job interrupted mid-run stays running
// forever and its connection can never sync again.
func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// runJob claims one pending job and drives it to a terminal state. Whatever
// happens inside, the job is never left running when this returns.
func (w *Worker) runJob(ctx context.Context, job models.Sync) {
	if err := w.syncs.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, repository.ErrSyncNotFound) {
			// Another worker claimed it, or it was deleted while pending.
			return
		}
		w.log.WithError(err).WithField("sync_id", job.ID).Error("failed to claim sync")
		return
	}

	log := w.log.WithFields(logrus.Fields{
		"sync_id":       job.ID,
		"connection_id": job.ConnectionID,
		"sync_type":     job.SyncType,
	})
	log.Info("sync started")

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("sync panicked")
			w.failJob(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	conn, err := w.connections.GetAnyByID(ctx, job.ConnectionID)
	if err != nil {
		w.failJob(ctx, job.ID, fmt.Sprintf("failed to load connection: %v", err))
		return
	}

	cred, err := w.credentials.Materialize(ctx, conn)
	if err != nil {
		w.markConnectionForCredentialError(ctx, conn.ID, err)
		w.failJob(ctx, job.ID, fmt.Sprintf("failed to materialize credentials: %v", err))
		return
	}

	if cred.Refreshed {
		if err := w.persistRefreshedCredential(ctx, conn.ID, cred); err != nil {
			log.WithError(err).Error("failed to persist refreshed tokens")
			// The sync can still proceed with the in-memory credential; the
			// next run will refresh again.
		}
	}

	result, err := w.engine.Run(ctx, &job, cred, conn.LastHistoryID)
	if err != nil {
		w.failJob(ctx, job.ID, err.Error())
		log.WithError(err).Error("sync failed")
		return
	}

	if result.Cancelled {
		log.Info("sync stopped at cancellation checkpoint")
		return
	}

	job.MessagesSynced = result.MessagesSynced
	job.MessagesNew = result.MessagesNew
	job.MessagesUpdated = result.MessagesUpdated

	doneCtx, done := finalizeCtx(ctx)
	defer done()
	if err := w.syncs.CompleteWithCursor(doneCtx, &job, result.LastHistoryID); err != nil {
		w.failJob(ctx, job.ID, fmt.Sprintf("failed to finalize sync: %v", err))
		return
	}

	log.WithFields(logrus.Fields{
		"messages_synced":  result.MessagesSynced,
		"messages_new":     result.MessagesNew,
		"messages_updated": result.MessagesUpdated,
	}).Info("sync completed")
}

// failJob writes the terminal failure on a detached context: the loop
// context may already be dead when the failure it reports is the shutdown
// itself.
func (w *Worker) failJob(ctx context.Context, syncID, message string) {
	doneCtx, done := finalizeCtx(ctx)
	defer done()
	if err := w.syncs.MarkFailed(doneCtx, syncID, message, nil); err != nil {
		w.log.WithError(err).WithField("sync_id", syncID).Error("failed to mark sync failed")
	}
}

// markConnectionForCredentialError records why the connection's credential
// is unusable before the job failure is surfaced
func (w *Worker) markConnectionForCredentialError(ctx context.Context, connectionID string, cause error) {
	status := models.ConnectionFailed
	if errors.Is(cause, service.ErrMissingRefreshToken) || errors.Is(cause, service.ErrRefreshRejected) {
		status = models.ConnectionExpired
	}
	doneCtx, done := finalizeCtx(ctx)
	defer done()
	if err := w.connections.MarkFailed(doneCtx, connectionID, status, cause.Error()); err != nil {
		w.log.WithError(err).Error("failed to persist connection credential error")
	}
}

func (w *Worker) persistRefreshedCredential(ctx context.Context, connectionID string, cred *service.LiveCredential) error {
	access, refresh, expiry, err := w.credentials.EncryptForStorage(cred)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"access_token":        access,
		"access_token_expiry": expiry,
	}
	if refresh != nil {
		updates["refresh_token"] = refresh
	}
	return w.connections.Update(ctx, connectionID, updates)
}
