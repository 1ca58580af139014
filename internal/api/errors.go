package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftbox/mailbridge/internal/crypto"
	"github.com/driftbox/mailbridge/internal/oauth"
	"github.com/driftbox/mailbridge/internal/repository"
	"github.com/driftbox/mailbridge/internal/service"
)

// respondError translates package sentinel errors into HTTP statuses.
// Client mistakes map to 4xx, provider failures to 502, everything else
// to 500 with the detail withheld.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrConnectionNotFound),
		errors.Is(err, repository.ErrSyncNotFound),
		errors.Is(err, repository.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, repository.ErrSyncConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, oauth.ErrUnsupportedProvider),
		errors.Is(err, oauth.ErrUntrustedRedirect),
		errors.Is(err, oauth.ErrInvalidState),
		errors.Is(err, oauth.ErrStateExpired),
		errors.Is(err, oauth.ErrRedirectMismatch),
		errors.Is(err, oauth.ErrAuthorizationDenied),
		errors.Is(err, service.ErrMissingRefreshToken),
		errors.Is(err, errNoActiveConnection),
		errors.Is(err, crypto.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, oauth.ErrTokenExchangeFailed),
		errors.Is(err, oauth.ErrAccountLookupFailed),
		errors.Is(err, service.ErrRefreshRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})

	default:
		s.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
