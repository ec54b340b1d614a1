package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/mediaurl"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

// ServerVersion is reported by /server/info so clients can gate features.
const ServerVersion = "0.3.0"

const serverDescriptionMaxLength = 512

type ServerInfoHandler struct {
	serverName string
	baseURL    string
	uploadMax  int64
	settings   *db.ServerSettingsRepository
	hub        *ws.Hub
}

func NewServerInfoHandler(name string, baseURL string, uploadMax int64, settings *db.ServerSettingsRepository, hub *ws.Hub) *ServerInfoHandler {
	return &ServerInfoHandler{
		serverName: name,
		baseURL:    baseURL,
		uploadMax:  uploadMax,
		settings:   settings,
		hub:        hub,
	}
}

type ServerInfoResponse struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	IconURL        string `json:"iconUrl,omitempty"`
	MemberCount    int    `json:"memberCount"`
	Version        string `json:"version"`
	UploadMaxBytes int64  `json:"uploadMaxBytes"`
}

// GET /api/v1/server/info
func (h *ServerInfoHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	description := ""
	iconURL := ""

	settings, err := h.settings.Get()
	if err == nil {
		description = settings.Description
		if settings.IconBlobID != nil {
			iconURL = mediaurl.Blob(h.baseURL, *settings.IconBlobID)
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		slog.Error("loading server settings failed", "component", "server_info", "error", err)
		internalError(w)
		return
	}

	memberCount := 0
	if h.hub != nil {
		memberCount = h.hub.MemberCount()
	}

	writeJSON(w, http.StatusOK, ServerInfoResponse{
		Name:           h.serverName,
		Description:    description,
		IconURL:        iconURL,
		MemberCount:    memberCount,
		Version:        ServerVersion,
		UploadMaxBytes: h.uploadMax,
	})
}

type UpdateServerInfoRequest struct {
	Description *string `json:"description"`
}

// PATCH /api/v1/server/info
func (h *ServerInfoHandler) UpdateInfo(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	var req UpdateServerInfoRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if req.Description == nil {
		badRequest(w, "description is required")
		return
	}

	description := strings.TrimSpace(*req.Description)
	if len(description) > serverDescriptionMaxLength {
		badRequest(w, "Description is too long")
		return
	}

	if err := h.settings.SetDescription(description); err != nil {
		slog.Error("updating server description failed", "component", "server_info", "error", err)
		internalError(w)
		return
	}

	iconURL := ""
	if settings, err := h.settings.Get(); err == nil && settings.IconBlobID != nil {
		iconURL = mediaurl.Blob(h.baseURL, *settings.IconBlobID)
	}

	if h.hub != nil {
		h.hub.BroadcastEvent(ws.EventServerUpdate, ws.ServerUpdatePayload{
			Name:        h.serverName,
			Description: description,
			IconURL:     iconURL,
		})
	}

	memberCount := 0
	if h.hub != nil {
		memberCount = h.hub.MemberCount()
	}

	writeJSON(w, http.StatusOK, ServerInfoResponse{
		Name:           h.serverName,
		Description:    description,
		IconURL:        iconURL,
		MemberCount:    memberCount,
		Version:        ServerVersion,
		UploadMaxBytes: h.uploadMax,
	})
}
