package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	"github.com/driftbox/mailbridge/internal/auth"
	"github.com/driftbox/mailbridge/internal/models"
)

type createConnectionRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// createConnection starts the OAuth flow and returns the URL the client
// should redirect the user to.
func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	result, err := s.flow.Start(c.Request.Context(), auth.UserID(c), models.OAuthProvider(req.Provider), s.callbackURL(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection_id":     result.ConnectionID,
		"authorization_url": result.AuthorizationURL,
		"state":             result.State,
	})
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.connections.ListByUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns, "total": len(conns)})
}

func (s *Server) getConnection(c *gin.Context) {
	conn, err := s.connections.GetByID(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

// mutableConnectionColumns is the field mask for PATCH. Identity,
// timestamps, and token material are not client-writable.
var mutableConnectionColumns = map[string]string{
	"status":    "status",
	"is_active": "is_active",
	"scopes":    "scopes",
}

func (s *Server) updateConnection(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	updates := make(map[string]interface{}, len(body))
	for field, value := range body {
		column, ok := mutableConnectionColumns[field]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("field %q is not updatable", field)})
			return
		}
		switch field {
		case "status":
			status, ok := value.(string)
			if !ok || !validConnectionStatus(models.ConnectionStatus(status)) {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %v", value)})
				return
			}
			updates[column] = status
		case "is_active":
			active, ok := value.(bool)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "is_active must be a boolean"})
				return
			}
			updates[column] = active
		case "scopes":
			scopes, err := stringSlice(value)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "scopes must be an array of strings"})
				return
			}
			updates[column] = pq.Array(scopes)
		}
	}

	ctx := c.Request.Context()
	conn, err := s.connections.GetByID(ctx, auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.connections.Update(ctx, conn.ID, updates); err != nil {
		s.respondError(c, err)
		return
	}

	conn, err = s.connections.GetByID(ctx, auth.UserID(c), conn.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (s *Server) deleteConnection(c *gin.Context) {
	if err := s.connections.Delete(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// testConnection materializes credentials and verifies them against the
// provider's account lookup. Failures are persisted onto the connection
// before being surfaced.
func (s *Server) testConnection(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := s.connections.GetByID(ctx, auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	cred, err := s.credentials.Materialize(ctx, conn)
	if err != nil {
		s.persistConnectionFailure(ctx, conn.ID, err)
		s.respondError(c, err)
		return
	}
	if cred.Refreshed {
		if err := s.persistRefreshedCredential(ctx, conn.ID, cred); err != nil {
			s.respondError(c, err)
			return
		}
	}

	profile, err := s.provider.GetProfile(ctx, cred.AccessToken)
	if err != nil {
		s.persistConnectionFailure(ctx, conn.ID, err)
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"connection_id":       conn.ID,
		"provider_account_id": profile.EmailAddress,
	})
}

// refreshConnection forces a token refresh round-trip and persists the
// rotated material encrypted.
func (s *Server) refreshConnection(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := s.connections.GetByID(ctx, auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	cred, err := s.credentials.ForceRefresh(ctx, conn)
	if err != nil {
		s.persistConnectionFailure(ctx, conn.ID, err)
		s.respondError(c, err)
		return
	}
	if err := s.persistRefreshedCredential(ctx, conn.ID, cred); err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"status": "refreshed", "connection_id": conn.ID}
	if cred.Expiry != nil {
		resp["access_token_expiry"] = cred.Expiry
	}
	c.JSON(http.StatusOK, resp)
}

func validConnectionStatus(status models.ConnectionStatus) bool {
	switch status {
	case models.ConnectionPending, models.ConnectionActive, models.ConnectionExpired,
		models.ConnectionRevoked, models.ConnectionFailed:
		return true
	}
	return false
}

func stringSlice(value interface{}) ([]string, error) {
	raw, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string element")
		}
		out = append(out, str)
	}
	return out, nil
}
