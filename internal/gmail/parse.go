package gmail

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/driftbox/mailbridge/internal/service"
)

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	return errors.As(err, target)
}

// projectMessage maps a Gmail message onto the local schema
func projectMessage(msg *gmail.Message) *service.RemoteMessage {
	remote := &service.RemoteMessage{
		ExternalID:   msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		SizeEstimate: msg.SizeEstimate,
	}
	if msg.HistoryId != 0 {
		remote.HistoryID = strconv.FormatUint(msg.HistoryId, 10)
	}

	if msg.Payload != nil {
		remote.From = headerValue(msg.Payload.Headers, "From")
		remote.To = headerValue(msg.Payload.Headers, "To")
		remote.Cc = headerValue(msg.Payload.Headers, "Cc")
		remote.Subject = headerValue(msg.Payload.Headers, "Subject")
		remote.Body = extractBody(msg.Payload)
	}

	return remote
}

// headerValue does a case-insensitive header lookup
func headerValue(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody returns the first decodable text/plain or text/html body part,
// searching depth-first through multipart structures
func extractBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}

	if isTextPart(payload.MimeType) && payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(decoded)
		}
	}

	for _, part := range payload.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}

	return ""
}

func isTextPart(mimeType string) bool {
	return mimeType == "text/plain" || mimeType == "text/html"
}
