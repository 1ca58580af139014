package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/driftbox/mailbridge/internal/auth"
	"github.com/driftbox/mailbridge/internal/service"
)

func (s *Server) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	msgs, err := s.messages.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := s.messages.CountByUser(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": total})
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.messages.GetByID(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

type sendMessageRequest struct {
	To      string `json:"to" binding:"required"`
	Cc      string `json:"cc"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// sendMessage sends through the provider and mirrors the provider's stored
// view of the message locally.
func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	ctx := c.Request.Context()
	userID := auth.UserID(c)

	cred, _, err := s.liveCredential(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	remote, err := s.provider.SendMessage(ctx, cred.AccessToken, buildRFC822(req))
	if err != nil {
		s.respondError(c, err)
		return
	}

	msg := service.ProjectRemote(remote, userID)
	if _, err := s.messages.Upsert(ctx, &msg); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type updateLabelsRequest struct {
	AddLabelIDs    []string `json:"add_label_ids"`
	RemoveLabelIDs []string `json:"remove_label_ids"`
}

// updateMessageLabels propagates a label change to the provider first, then
// mirrors the resulting label set locally.
func (s *Server) updateMessageLabels(c *gin.Context) {
	var req updateLabelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if len(req.AddLabelIDs) == 0 && len(req.RemoveLabelIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no label changes requested"})
		return
	}

	ctx := c.Request.Context()
	userID := auth.UserID(c)

	msg, err := s.messages.GetByID(ctx, userID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	cred, _, err := s.liveCredential(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	labels, err := s.provider.ModifyLabels(ctx, cred.AccessToken, msg.ExternalID, req.AddLabelIDs, req.RemoveLabelIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.messages.UpdateLabels(ctx, userID, msg.ID, labels); err != nil {
		s.respondError(c, err)
		return
	}

	msg.LabelIDs = labels
	c.JSON(http.StatusOK, msg)
}

// deleteMessage trashes the remote message, then removes the local mirror
// row. An already-missing remote message still deletes locally.
func (s *Server) deleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)

	msg, err := s.messages.GetByID(ctx, userID, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	cred, _, err := s.liveCredential(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.provider.TrashMessage(ctx, cred.AccessToken, msg.ExternalID); err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.messages.Delete(ctx, userID, msg.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// buildRFC822 assembles a minimal RFC 5322 payload for the provider's raw
// send endpoint.
func buildRFC822(req sendMessageRequest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", req.To)
	if req.Cc != "" {
		fmt.Fprintf(&b, "Cc: %s\r\n", req.Cc)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(req.Body)
	return []byte(b.String())
}
