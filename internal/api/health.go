package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"host":      c.Request.Host,
	}
	if echo := c.Param("path_echo"); echo != "" {
		resp["echo"] = echo
	}
	c.JSON(http.StatusOK, resp)
}
