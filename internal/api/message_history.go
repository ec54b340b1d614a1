package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/frisksitron/lobby-sub000/internal/constants"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/mediaurl"
	"github.com/frisksitron/lobby-sub000/internal/models"
)

const defaultMessageHistoryLimit = 50

type MessageHandler struct {
	messages *db.MessageRepository
	baseURL  string
}

func NewMessageHandler(messages *db.MessageRepository, baseURL string) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		baseURL:  baseURL,
	}
}

// GET /api/v1/messages?limit=&before=
func (h *MessageHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, beforeID, validationMessage, ok := parseHistoryQuery(r)
	if !ok {
		badRequest(w, validationMessage)
		return
	}

	messages, err := h.messages.GetHistory(beforeID, limit)
	if err != nil {
		slog.Error("querying message history failed", "component", "messages", "error", err)
		internalError(w)
		return
	}

	if err := h.attachToMessages(messages); err != nil {
		slog.Error("querying message attachments failed", "component", "messages", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func parseHistoryQuery(r *http.Request) (int, string, string, bool) {
	limitStr := strings.TrimSpace(r.URL.Query().Get("limit"))
	beforeID := strings.TrimSpace(r.URL.Query().Get("before"))

	limit := defaultMessageHistoryLimit
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, "", "Query parameter 'limit' must be an integer", false
		}
		if parsedLimit <= 0 || parsedLimit > constants.MessageHistoryMaxLimit {
			return 0, "", fmt.Sprintf("Query parameter 'limit' must be between 1 and %d", constants.MessageHistoryMaxLimit), false
		}
		limit = parsedLimit
	}

	if beforeID != "" && !isValidMessageID(beforeID) {
		return 0, "", "Query parameter 'before' must be a valid message ID", false
	}

	return limit, beforeID, "", true
}

func isValidMessageID(id string) bool {
	if !strings.HasPrefix(id, "msg_") {
		return false
	}

	hexPart := strings.TrimPrefix(id, "msg_")
	if len(hexPart) != constants.IDRandomBytes*2 {
		return false
	}

	for _, r := range hexPart {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}

	return true
}

// attachToMessages fills each message's Attachments from its claimed blobs.
func (h *MessageHandler) attachToMessages(messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	messageIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		messageIDs = append(messageIDs, m.ID)
	}

	rows, err := h.messages.ListAttachmentsByMessageIDs(messageIDs)
	if err != nil {
		return err
	}

	byMessageID := make(map[string][]models.MessageAttachment, len(rows))
	for _, row := range rows {
		byMessageID[row.MessageID] = append(byMessageID[row.MessageID], h.modelAttachment(row))
	}

	for _, m := range messages {
		m.Attachments = byMessageID[m.ID]
	}

	return nil
}

func (h *MessageHandler) modelAttachment(row db.AttachmentRow) models.MessageAttachment {
	mapped := models.MessageAttachment{
		ID:       row.ID,
		Name:     row.OriginalName,
		MimeType: row.MimeType,
		Size:     row.SizeBytes,
		URL:      mediaurl.Blob(h.baseURL, row.ID),
	}

	if row.PreviewStoragePath != nil {
		mapped.PreviewURL = mediaurl.BlobPreview(h.baseURL, row.ID)
	}
	if row.PreviewWidth != nil {
		mapped.PreviewWidth = *row.PreviewWidth
	}
	if row.PreviewHeight != nil {
		mapped.PreviewHeight = *row.PreviewHeight
	}

	return mapped
}
