package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// oauthCallback is the provider redirect target. Identity comes from the
// consumed state record, not from a bearer token.
func (s *Server) oauthCallback(c *gin.Context) {
	conn, err := s.flow.Callback(
		c.Request.Context(),
		c.Query("code"),
		c.Query("state"),
		c.Query("error"),
		s.callbackURL(c),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "connected",
		"connection": conn,
	})
}
