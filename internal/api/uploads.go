package api

import (
	"bytes"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/blob"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/mediaurl"
	"github.com/frisksitron/lobby-sub000/internal/models"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

// Chat attachments expire unless a message claims them in time.
const chatAttachmentTTL = 24 * time.Hour

type UploadHandler struct {
	users                   *db.UserRepository
	blobRepo                *db.BlobRepository
	settings                *db.ServerSettingsRepository
	blobs                   *blob.Service
	hub                     *ws.Hub
	serverName              string
	baseURL                 string
	uploadRequestLimitBytes int64
}

func NewUploadHandler(
	users *db.UserRepository,
	blobRepo *db.BlobRepository,
	settings *db.ServerSettingsRepository,
	blobs *blob.Service,
	hub *ws.Hub,
	serverName string,
	baseURL string,
	uploadRequestLimitBytes int64,
) *UploadHandler {
	return &UploadHandler{
		users:                   users,
		blobRepo:                blobRepo,
		settings:                settings,
		blobs:                   blobs,
		hub:                     hub,
		serverName:              serverName,
		baseURL:                 baseURL,
		uploadRequestLimitBytes: uploadRequestLimitBytes,
	}
}

type ChatUploadResponse struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	MimeType string             `json:"mimeType"`
	Size     int64              `json:"size"`
	URL      string             `json:"url"`
	Preview  *ChatUploadPreview `json:"preview,omitempty"`
}

type ChatUploadPreview struct {
	URL    string `json:"url"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
}

// POST /api/v1/uploads/chat
func (h *UploadHandler) UploadChatAttachment(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	file, fileHeader, cleanup, ok := readSingleFileUpload(w, r, h.uploadRequestLimitBytes)
	if !ok {
		return
	}
	defer cleanup()
	defer file.Close()

	stored, err := h.blobs.Save(r.Context(), blob.KindChatAttachment, fileHeader.Filename, file)
	if !handleBlobSaveError(w, err) {
		return
	}

	// The attachment row starts with an expiry; sending a message that
	// references it clears the expiry and makes the blob permanent.
	expiresAt := time.Now().UTC().Add(chatAttachmentTTL)
	if err := h.blobRepo.Create(blobModel(stored, userID, &expiresAt)); err != nil {
		_ = h.blobs.Delete(stored.StoragePath)
		slog.Error("creating chat upload blob record failed", "component", "uploads", "error", err)
		internalError(w)
		return
	}

	var preview *ChatUploadPreview
	if isImageMimeType(stored.MimeType) {
		// Preview failures degrade to a plain attachment.
		generated, previewErr := h.createChatAttachmentPreview(stored.ID, stored.StoragePath)
		if previewErr != nil {
			slog.Warn("generating chat image preview failed", "component", "uploads", "error", previewErr, "blob_id", stored.ID)
		} else {
			preview = generated
		}
	}

	writeJSON(w, http.StatusCreated, ChatUploadResponse{
		ID:       stored.ID,
		Name:     stored.OriginalName,
		MimeType: stored.MimeType,
		Size:     stored.SizeBytes,
		URL:      mediaurl.Blob(h.baseURL, stored.ID),
		Preview:  preview,
	})
}

// POST /api/v1/users/me/avatar
func (h *UploadHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	user, err := h.users.FindActiveByID(userID)
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "User not found")
		return
	}
	if err != nil {
		slog.Error("loading user before avatar update failed", "component", "uploads", "error", err, "user_id", userID)
		internalError(w)
		return
	}

	stored, ok := h.saveProfileImage(w, r, blob.KindAvatar, userID)
	if !ok {
		return
	}

	oldAvatarBlobID := ""
	if user.AvatarURL != nil {
		if blobID, ok := mediaurl.ParseBlobID(*user.AvatarURL); ok {
			oldAvatarBlobID = blobID
		}
	}

	avatarURL := mediaurl.Blob(h.baseURL, stored.ID)
	if err := h.users.UpdateAvatarURL(userID, &avatarURL); err != nil {
		h.deleteBlobByIDBestEffort(stored.ID, string(blob.KindAvatar))
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "User not found")
			return
		}
		slog.Error("updating user avatar url failed", "component", "uploads", "error", err, "user_id", userID)
		internalError(w)
		return
	}
	user.AvatarURL = &avatarURL

	if h.hub != nil {
		h.hub.BroadcastEvent(ws.EventUserUpdate, ws.UserUpdatePayload{
			ID:       user.ID,
			Username: user.Username,
			Avatar:   user.GetAvatarURL(),
		})
	}

	if oldAvatarBlobID != "" && oldAvatarBlobID != stored.ID {
		h.deleteBlobByIDBestEffort(oldAvatarBlobID, string(blob.KindAvatar))
	}

	writeJSON(w, http.StatusOK, user)
}

// POST /api/v1/server/image
func (h *UploadHandler) UploadServerImage(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	stored, ok := h.saveProfileImage(w, r, blob.KindServerImage, userID)
	if !ok {
		return
	}

	oldSettings, err := h.settings.Get()
	if err != nil {
		h.deleteBlobByIDBestEffort(stored.ID, string(blob.KindServerImage))
		slog.Error("loading server settings before image update failed", "component", "uploads", "error", err)
		internalError(w)
		return
	}

	if err := h.settings.SetIconBlobID(&stored.ID); err != nil {
		h.deleteBlobByIDBestEffort(stored.ID, string(blob.KindServerImage))
		slog.Error("updating server icon failed", "component", "uploads", "error", err)
		internalError(w)
		return
	}

	iconURL := mediaurl.Blob(h.baseURL, stored.ID)
	if h.hub != nil {
		h.hub.BroadcastEvent(ws.EventServerUpdate, ws.ServerUpdatePayload{
			Name:        h.serverName,
			Description: oldSettings.Description,
			IconURL:     iconURL,
		})
	}

	if oldSettings.IconBlobID != nil && *oldSettings.IconBlobID != "" && *oldSettings.IconBlobID != stored.ID {
		h.deleteBlobByIDBestEffort(*oldSettings.IconBlobID, string(blob.KindServerImage))
	}

	memberCount := 0
	if h.hub != nil {
		memberCount = h.hub.MemberCount()
	}

	writeJSON(w, http.StatusOK, ServerInfoResponse{
		Name:           h.serverName,
		Description:    oldSettings.Description,
		IconURL:        iconURL,
		MemberCount:    memberCount,
		Version:        ServerVersion,
		UploadMaxBytes: h.blobs.MaxUploadBytes(),
	})
}

// saveProfileImage is the shared avatar and server-image pipeline: read
// the single uploaded file, re-encode it to a bounded JPEG, store it,
// and record the blob row. Error responses are written here; the caller
// only proceeds on ok.
func (h *UploadHandler) saveProfileImage(w http.ResponseWriter, r *http.Request, kind blob.Kind, uploadedBy string) (*blob.StoredBlob, bool) {
	file, fileHeader, cleanup, ok := readSingleFileUpload(w, r, h.uploadRequestLimitBytes)
	if !ok {
		return nil, false
	}
	defer cleanup()
	defer file.Close()

	normalized, err := blob.NormalizeStaticImage(file, blob.DefaultProfileImageMaxEdge, blob.DefaultProfileJPEGQuality)
	if !handleImageNormalizeError(w, err) {
		return nil, false
	}

	stored, err := h.blobs.Save(r.Context(), kind, fileHeader.Filename, bytes.NewReader(normalized.Data))
	if !handleBlobSaveError(w, err) {
		return nil, false
	}

	if err := h.blobRepo.Create(blobModel(stored, uploadedBy, nil)); err != nil {
		_ = h.blobs.Delete(stored.StoragePath)
		slog.Error("creating blob record failed", "component", "uploads", "error", err, "kind", string(kind))
		internalError(w)
		return nil, false
	}
	return stored, true
}

func blobModel(stored *blob.StoredBlob, uploadedBy string, expiresAt *time.Time) *models.Blob {
	return &models.Blob{
		ID:           stored.ID,
		Kind:         string(stored.Kind),
		UploadedBy:   uploadedBy,
		StoragePath:  stored.StoragePath,
		MimeType:     stored.MimeType,
		SizeBytes:    stored.SizeBytes,
		OriginalName: stored.OriginalName,
		ExpiresAt:    expiresAt,
		CreatedAt:    stored.CreatedAt,
	}
}

// deleteBlobByIDBestEffort removes a blob row and its files. Failures
// are logged and swallowed: the cleanup sweeper picks up what a racing
// request leaves behind. allowedKinds guards against deleting a blob
// that was re-purposed under the same ID.
func (h *UploadHandler) deleteBlobByIDBestEffort(blobID string, allowedKinds ...string) {
	if blobID == "" {
		return
	}

	row, err := h.blobRepo.FindByID(blobID)
	if err != nil {
		return
	}
	if !kindAllowed(row.Kind, allowedKinds) {
		return
	}

	deleted, err := h.blobRepo.Delete(blobID)
	if err != nil || !deleted {
		return
	}

	if row.PreviewStoragePath != nil {
		if err := h.blobs.Delete(*row.PreviewStoragePath); err != nil {
			slog.Warn("deleting blob preview file failed", "component", "uploads", "error", err, "blob_id", blobID)
		}
	}
	if err := h.blobs.Delete(row.StoragePath); err != nil {
		slog.Warn("deleting blob file failed", "component", "uploads", "error", err, "blob_id", blobID)
	}
}

func kindAllowed(kind string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}

func (h *UploadHandler) createChatAttachmentPreview(blobID string, originalStoragePath string) (*ChatUploadPreview, error) {
	file, err := h.blobs.Open(originalStoragePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	preview, err := blob.GenerateStaticImagePreview(file, blob.DefaultPreviewMaxEdge, blob.DefaultPreviewQuality)
	if err != nil {
		return nil, err
	}

	previewPath := blob.ChatAttachmentPreviewRelativePath(blobID)
	previewSize, err := h.blobs.Write(previewPath, bytes.NewReader(preview.Data))
	if err != nil {
		return nil, err
	}

	width := int64(preview.Width)
	height := int64(preview.Height)
	if err := h.blobRepo.UpdatePreview(blobID, previewPath, preview.MimeType, previewSize, width, height); err != nil {
		_ = h.blobs.Delete(previewPath)
		return nil, err
	}

	return &ChatUploadPreview{
		URL:    mediaurl.BlobPreview(h.baseURL, blobID),
		Width:  width,
		Height: height,
	}, nil
}

func isImageMimeType(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// readSingleFileUpload parses the multipart body and extracts the
// required "file" part. On success the caller owns file and must call
// both Close and cleanup; on failure the response has been written.
func readSingleFileUpload(
	w http.ResponseWriter,
	r *http.Request,
	maxBytes int64,
) (multipart.File, *multipart.FileHeader, func(), bool) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if isBodyTooLargeError(err) {
			payloadTooLarge(w, "File exceeds maximum upload size")
		} else {
			badRequest(w, "Invalid multipart upload")
		}
		return nil, nil, func() {}, false
	}

	cleanup := func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "File field 'file' is required")
		cleanup()
		return nil, nil, func() {}, false
	}
	if fileHeader == nil || strings.TrimSpace(fileHeader.Filename) == "" {
		file.Close()
		cleanup()
		badRequest(w, "File name is required")
		return nil, nil, func() {}, false
	}

	return file, fileHeader, cleanup, true
}

func handleBlobSaveError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, blob.ErrFileTooLarge):
		payloadTooLarge(w, "File exceeds maximum upload size")
	case errors.Is(err, blob.ErrDisallowedType):
		badRequest(w, "Unsupported file type")
	case errors.Is(err, blob.ErrExecutableFile):
		badRequest(w, "Executable files are not allowed")
	default:
		slog.Error("saving blob failed", "component", "uploads", "error", err)
		internalError(w)
	}
	return false
}

func handleImageNormalizeError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, blob.ErrInvalidImage) {
		badRequest(w, "Invalid image file")
		return false
	}
	slog.Error("normalizing image failed", "component", "uploads", "error", err)
	internalError(w)
	return false
}

func isBodyTooLargeError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr) ||
		strings.Contains(strings.ToLower(err.Error()), "request body too large")
}
