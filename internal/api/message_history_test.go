package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/frisksitron/lobby-sub000/internal/constants"
	"github.com/frisksitron/lobby-sub000/internal/db"
)

func TestParseHistoryQuery(t *testing.T) {
	const validID = "msg_0123456789abcdef01234567"

	testCases := []struct {
		name        string
		query       string
		wantLimit   int
		wantBefore  string
		wantMessage string
	}{
		{
			name:      "empty query uses defaults",
			query:     "",
			wantLimit: defaultMessageHistoryLimit,
		},
		{
			name:       "limit and before accepted together",
			query:      "limit=25&before=" + validID,
			wantLimit:  25,
			wantBefore: validID,
		},
		{
			name:      "limit at the maximum",
			query:     fmt.Sprintf("limit=%d", constants.MessageHistoryMaxLimit),
			wantLimit: constants.MessageHistoryMaxLimit,
		},
		{
			name:      "surrounding whitespace is trimmed",
			query:     "limit=%2010%20",
			wantLimit: 10,
		},
		{
			name:        "non integer limit",
			query:       "limit=abc",
			wantMessage: "Query parameter 'limit' must be an integer",
		},
		{
			name:        "zero limit",
			query:       "limit=0",
			wantMessage: fmt.Sprintf("Query parameter 'limit' must be between 1 and %d", constants.MessageHistoryMaxLimit),
		},
		{
			name:        "limit above the maximum",
			query:       fmt.Sprintf("limit=%d", constants.MessageHistoryMaxLimit+1),
			wantMessage: fmt.Sprintf("Query parameter 'limit' must be between 1 and %d", constants.MessageHistoryMaxLimit),
		},
		{
			name:        "malformed before cursor",
			query:       "before=not-a-message-id",
			wantMessage: "Query parameter 'before' must be a valid message ID",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/messages?"+tc.query, nil)
			limit, beforeID, message, ok := parseHistoryQuery(req)

			wantOK := tc.wantMessage == ""
			if ok != wantOK {
				t.Fatalf("parseHistoryQuery() ok = %v, want %v (message %q)", ok, wantOK, message)
			}
			if message != tc.wantMessage {
				t.Errorf("parseHistoryQuery() message = %q, want %q", message, tc.wantMessage)
			}
			if limit != tc.wantLimit {
				t.Errorf("parseHistoryQuery() limit = %d, want %d", limit, tc.wantLimit)
			}
			if beforeID != tc.wantBefore {
				t.Errorf("parseHistoryQuery() beforeID = %q, want %q", beforeID, tc.wantBefore)
			}
		})
	}
}

func TestIsValidMessageID(t *testing.T) {
	testCases := []struct {
		name string
		id   string
		want bool
	}{
		{name: "well formed", id: "msg_0123456789abcdef01234567", want: true},
		{name: "empty", id: "", want: false},
		{name: "prefix only", id: "msg_", want: false},
		{name: "wrong prefix", id: "usr_0123456789abcdef01234567", want: false},
		{name: "too short", id: "msg_0123456789abcdef", want: false},
		{name: "too long", id: "msg_0123456789abcdef012345678", want: false},
		{name: "uppercase hex", id: "msg_0123456789ABCDEF01234567", want: false},
		{name: "non hex rune", id: "msg_0123456789abcdef0123456g", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isValidMessageID(tc.id); got != tc.want {
				t.Errorf("isValidMessageID(%q) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}

func TestModelAttachmentMapsPreviewFields(t *testing.T) {
	h := &MessageHandler{baseURL: "https://chat.example.com"}

	previewPath := "chat_attachment_preview/ab/blb_1.jpg"
	width, height := int64(480), int64(270)
	withPreview := h.modelAttachment(db.AttachmentRow{
		ID:                 "blb_1",
		OriginalName:       "photo.jpg",
		MimeType:           "image/jpeg",
		SizeBytes:          1234,
		PreviewStoragePath: &previewPath,
		PreviewWidth:       &width,
		PreviewHeight:      &height,
	})

	if withPreview.URL != "https://chat.example.com/media/blb_1" {
		t.Errorf("URL = %q", withPreview.URL)
	}
	if withPreview.PreviewURL == "" || withPreview.PreviewWidth != 480 || withPreview.PreviewHeight != 270 {
		t.Errorf("preview fields = %q %dx%d, want populated", withPreview.PreviewURL, withPreview.PreviewWidth, withPreview.PreviewHeight)
	}

	withoutPreview := h.modelAttachment(db.AttachmentRow{ID: "blb_2", OriginalName: "notes.txt", MimeType: "text/plain", SizeBytes: 9})
	if withoutPreview.PreviewURL != "" || withoutPreview.PreviewWidth != 0 {
		t.Errorf("non-image attachment got preview fields: %+v", withoutPreview)
	}
}
