package gmail

import (
	"encoding/base64"
	"testing"

	"google.golang.org/api/gmail/v1"
)

func encodeBody(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestHeaderValue_CaseInsensitive(t *testing.T) {
	headers := []*gmail.MessagePartHeader{
		{Name: "FROM", Value: "alice@example.com"},
		{Name: "subject", Value: "hello"},
		{Name: "To", Value: "bob@example.com"},
	}

	tests := []struct {
		name     string
		expected string
	}{
		{"From", "alice@example.com"},
		{"Subject", "hello"},
		{"to", "bob@example.com"},
		{"Cc", ""},
	}

	for _, tt := range tests {
		if got := headerValue(headers, tt.name); got != tt.expected {
			t.Errorf("headerValue(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestExtractBody_TopLevel(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: encodeBody("plain body")},
	}

	if got := extractBody(payload); got != "plain body" {
		t.Errorf("expected top-level body, got %q", got)
	}
}

func TestExtractBody_DepthFirst(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{
						MimeType: "text/html",
						Body:     &gmail.MessagePartBody{Data: encodeBody("<p>nested html</p>")},
					},
				},
			},
			{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Data: encodeBody("later plain")},
			},
		},
	}

	// The nested html part comes first in depth-first order.
	if got := extractBody(payload); got != "<p>nested html</p>" {
		t.Errorf("expected first depth-first text part, got %q", got)
	}
}

func TestExtractBody_SkipsNonText(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "application/pdf",
				Body:     &gmail.MessagePartBody{Data: encodeBody("%PDF-1.4")},
			},
			{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Data: encodeBody("actual body")},
			},
		},
	}

	if got := extractBody(payload); got != "actual body" {
		t.Errorf("expected text part after attachment, got %q", got)
	}
}

func TestExtractBody_Empty(t *testing.T) {
	if got := extractBody(nil); got != "" {
		t.Errorf("expected empty body for nil payload, got %q", got)
	}

	payload := &gmail.MessagePart{MimeType: "multipart/mixed"}
	if got := extractBody(payload); got != "" {
		t.Errorf("expected empty body for partless payload, got %q", got)
	}
}

func TestProjectMessage(t *testing.T) {
	msg := &gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		LabelIds:     []string{"INBOX", "UNREAD"},
		Snippet:      "snippet text",
		HistoryId:    123456,
		InternalDate: 1700000000000,
		SizeEstimate: 2048,
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com"},
				{Name: "Cc", Value: "carol@example.com"},
				{Name: "Subject", Value: "status"},
			},
			Body: &gmail.MessagePartBody{Data: encodeBody("the body")},
		},
	}

	remote := projectMessage(msg)

	if remote.ExternalID != "msg-1" {
		t.Errorf("expected external id msg-1, got %s", remote.ExternalID)
	}
	if remote.HistoryID != "123456" {
		t.Errorf("expected history id 123456, got %s", remote.HistoryID)
	}
	if remote.InternalDate != 1700000000000 {
		t.Errorf("expected internal date, got %d", remote.InternalDate)
	}
	if remote.From != "alice@example.com" || remote.To != "bob@example.com" {
		t.Errorf("unexpected envelope: from=%s to=%s", remote.From, remote.To)
	}
	if remote.Subject != "status" {
		t.Errorf("expected subject 'status', got %s", remote.Subject)
	}
	if remote.Body != "the body" {
		t.Errorf("expected body, got %q", remote.Body)
	}
	if len(remote.LabelIDs) != 2 {
		t.Errorf("expected 2 labels, got %v", remote.LabelIDs)
	}
}

func TestProjectMessage_NoPayload(t *testing.T) {
	remote := projectMessage(&gmail.Message{Id: "msg-2"})
	if remote.Body != "" || remote.From != "" {
		t.Errorf("expected empty projection fields, got body=%q from=%q", remote.Body, remote.From)
	}
	if remote.HistoryID != "" {
		t.Errorf("expected empty history id for zero value, got %s", remote.HistoryID)
	}
}
