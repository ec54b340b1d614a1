package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/frisksitron/lobby-sub000/internal/blob"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/models"
)

// MediaHandler serves stored blobs and their previews. Responses are
// immutable-cacheable; a blob ID never changes content.
type MediaHandler struct {
	blobRepo *db.BlobRepository
	blobs    *blob.Service
}

func NewMediaHandler(blobRepo *db.BlobRepository, blobs *blob.Service) *MediaHandler {
	return &MediaHandler{blobRepo: blobRepo, blobs: blobs}
}

// GET /media/{blobID}
func (h *MediaHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	const missing = "Media not found"

	row, ok := h.findBlobRow(w, r, missing)
	if !ok {
		return
	}
	file, ok := h.openStored(w, row.StoragePath, missing)
	if !ok {
		return
	}
	defer file.Close()

	setImmutableCacheHeaders(w, fmt.Sprintf("%q", row.ID), row.MimeType)

	disposition := "inline"
	if shouldForceDownload(r) || !shouldRenderInline(row.MimeType) {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, sanitizeDispositionFilename(row.OriginalName)))

	http.ServeContent(w, r, row.OriginalName, row.CreatedAt, file)
}

// GET /media/{blobID}/preview
func (h *MediaHandler) GetBlobPreview(w http.ResponseWriter, r *http.Request) {
	const missing = "Media preview not found"

	row, ok := h.findBlobRow(w, r, missing)
	if !ok {
		return
	}
	if row.PreviewStoragePath == nil || row.PreviewMimeType == nil {
		notFound(w, missing)
		return
	}
	file, ok := h.openStored(w, *row.PreviewStoragePath, missing)
	if !ok {
		return
	}
	defer file.Close()

	setImmutableCacheHeaders(w, fmt.Sprintf("\"%s-preview\"", row.ID), *row.PreviewMimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", sanitizeDispositionFilename(row.OriginalName)))

	http.ServeContent(w, r, row.OriginalName, row.CreatedAt, file)
}

// findBlobRow resolves the {blobID} URL parameter to its row, writing the
// error response itself when that fails.
func (h *MediaHandler) findBlobRow(w http.ResponseWriter, r *http.Request, missing string) (*models.Blob, bool) {
	blobID := strings.TrimSpace(chi.URLParam(r, "blobID"))
	if blobID == "" {
		notFound(w, missing)
		return nil, false
	}

	row, err := h.blobRepo.FindByID(blobID)
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, missing)
		return nil, false
	}
	if err != nil {
		internalError(w)
		return nil, false
	}
	return row, true
}

// openStored opens the file behind a storage path, treating a vanished
// file as 404; the row can outlive the file when a sweep races a request.
func (h *MediaHandler) openStored(w http.ResponseWriter, storagePath, missing string) (*os.File, bool) {
	file, err := h.blobs.Open(storagePath)
	if errors.Is(err, os.ErrNotExist) {
		notFound(w, missing)
		return nil, false
	}
	if err != nil {
		internalError(w)
		return nil, false
	}
	return file, true
}

func setImmutableCacheHeaders(w http.ResponseWriter, etag, mimeType string) {
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", mimeType)
}

// sanitizeDispositionFilename strips characters that would break out of a
// quoted Content-Disposition filename.
func sanitizeDispositionFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '\\', '"', '\r', '\n':
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	if name == "" {
		return "download"
	}
	return name
}

// Inline rendering is limited to types browsers display natively; anything
// else is served as a download.
func shouldRenderInline(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, prefix := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return mimeType == "application/pdf"
}

func shouldForceDownload(r *http.Request) bool {
	force, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("download")))
	return err == nil && force
}
