package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftbox/mailbridge/internal/auth"
	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/repository"
)

type createSyncRequest struct {
	SyncType string `json:"sync_type"`
}

// createSyncs queues one sync job per active connection of the user and
// returns immediately; the worker picks the jobs up. A connection that
// already has an in-flight job contributes that job instead of a new one.
func (s *Server) createSyncs(c *gin.Context) {
	var req createSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}

	syncType := models.SyncTypeManual
	if req.SyncType != "" {
		syncType = models.SyncType(req.SyncType)
		if !validSyncType(syncType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid sync_type %q", req.SyncType)})
			return
		}
	}

	ctx := c.Request.Context()
	userID := auth.UserID(c)

	conns, err := s.connections.ListActiveByUser(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if len(conns) == 0 {
		s.respondError(c, errNoActiveConnection)
		return
	}

	jobs := make([]gin.H, 0, len(conns))
	queued := false
	for _, conn := range conns {
		job := &models.Sync{
			ID:           uuid.NewString(),
			ConnectionID: conn.ID,
			UserID:       userID,
			Status:       models.SyncPending,
			SyncType:     syncType,
		}
		err := s.syncs.Create(ctx, job)
		switch {
		case err == nil:
			queued = true
			jobs = append(jobs, gin.H{"sync": job, "queued": true})
		case errors.Is(err, repository.ErrSyncConflict):
			existing, lookupErr := s.syncs.GetInFlightByConnection(ctx, conn.ID)
			if lookupErr != nil {
				s.respondError(c, lookupErr)
				return
			}
			jobs = append(jobs, gin.H{"sync": existing, "queued": false})
		default:
			s.respondError(c, err)
			return
		}
	}

	if queued {
		s.kicker.Kick()
	}
	c.JSON(http.StatusAccepted, gin.H{"syncs": jobs})
}

func (s *Server) listSyncs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	jobs, err := s.syncs.ListByUser(c.Request.Context(), auth.UserID(c), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncs": jobs, "total": len(jobs)})
}

func (s *Server) getSync(c *gin.Context) {
	job, err := s.syncs.GetForUser(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// getSyncStatus is the lightweight poll endpoint. It reports whatever state
// the job is in, including failed; a slow job is never an error here.
func (s *Server) getSyncStatus(c *gin.Context) {
	job, err := s.syncs.GetForUser(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                  job.ID,
		"status":              job.Status,
		"progress_percentage": job.ProgressPercentage,
		"current_operation":   job.CurrentOperation,
		"messages_synced":     job.MessagesSynced,
		"error_message":       job.ErrorMessage,
	})
}

// deleteSync cancels a running job; a pending or terminal job is removed
// outright, since a job that never started or already finished needs no
// cancellation record.
func (s *Server) deleteSync(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.syncs.GetForUser(ctx, auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	if job.Status == models.SyncRunning {
		if err := s.syncs.MarkCancelled(ctx, job.ID, "cancelled by user"); err != nil && !errors.Is(err, repository.ErrSyncNotFound) {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": job.ID, "status": models.SyncCancelled})
		return
	}

	if err := s.syncs.Delete(ctx, job.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func validSyncType(t models.SyncType) bool {
	switch t {
	case models.SyncTypeFull, models.SyncTypeIncremental, models.SyncTypeManual:
		return true
	}
	return false
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
