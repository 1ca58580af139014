package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/driftbox/mailbridge/internal/models"
	"github.com/driftbox/mailbridge/internal/service"
)

// callbackURL resolves the OAuth redirect URI from the serving host, the
// same way the provider will see it. It must still pass the allow-list.
func (s *Server) callbackURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s/oauth/callback/google", scheme, c.Request.Host)
}

// persistConnectionFailure records a credential or provider failure on the
// connection row before the error is surfaced to the caller.
func (s *Server) persistConnectionFailure(ctx context.Context, connectionID string, cause error) {
	status := models.ConnectionFailed
	if errors.Is(cause, service.ErrMissingRefreshToken) || errors.Is(cause, service.ErrRefreshRejected) {
		status = models.ConnectionExpired
	}
	if err := s.connections.MarkFailed(ctx, connectionID, status, cause.Error()); err != nil {
		s.log.WithError(err).WithField("connection_id", connectionID).Error("failed to persist connection failure")
	}
}

func (s *Server) persistRefreshedCredential(ctx context.Context, connectionID string, cred *service.LiveCredential) error {
	access, refresh, expiry, err := s.credentials.EncryptForStorage(cred)
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
	return s.connections.Update(ctx, connectionID, updates)
}

// liveCredential picks the user's first active connection and materializes
// its credential, persisting any refresh that happened along the way.
func (s *Server) liveCredential(ctx context.Context, userID string) (*service.LiveCredential, *models.Connection, error) {
	conns, err := s.connections.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(conns) == 0 {
		return nil, nil, errNoActiveConnection
	}

	conn := &conns[0]
	cred, err := s.credentials.Materialize(ctx, conn)
	if err != nil {
		s.persistConnectionFailure(ctx, conn.ID, err)
		return nil, nil, err
	}
	if cred.Refreshed {
		if err := s.persistRefreshedCredential(ctx, conn.ID, cred); err != nil {
			return nil, nil, err
		}
	}
	return cred, conn, nil
}

var errNoActiveConnection = errors.New("no active mail connection")
