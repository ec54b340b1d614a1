package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

type BlobRepository struct {
	db *DB
}

func NewBlobRepository(db *DB) *BlobRepository {
	return &BlobRepository{db: db}
}

func (r *BlobRepository) Create(b *models.Blob) error {
	_, err := r.db.Exec(
		`INSERT INTO blobs (id, kind, uploaded_by, storage_path, mime_type, size_bytes, original_name, expires_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Kind, b.UploadedBy, b.StoragePath, b.MimeType, b.SizeBytes, b.OriginalName, b.ExpiresAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating blob record: %w", err)
	}
	return nil
}

const blobColumns = `id, kind, uploaded_by, message_id, storage_path, mime_type, size_bytes, original_name,
    preview_storage_path, preview_mime_type, preview_size_bytes, preview_width, preview_height, expires_at, created_at`

func (r *BlobRepository) FindByID(id string) (*models.Blob, error) {
	row := r.db.QueryRow(`SELECT `+blobColumns+` FROM blobs WHERE id = ?`, id)
	b, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying blob: %w", err)
	}
	return b, nil
}

func (r *BlobRepository) Delete(id string) (bool, error) {
	result, err := r.db.Exec(`DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting blob: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *BlobRepository) UpdatePreview(id, storagePath, mimeType string, sizeBytes, width, height int64) error {
	result, err := r.db.Exec(
		`UPDATE blobs SET preview_storage_path = ?, preview_mime_type = ?, preview_size_bytes = ?, preview_width = ?, preview_height = ?
          WHERE id = ?`,
		storagePath, mimeType, sizeBytes, width, height, id,
	)
	if err != nil {
		return fmt.Errorf("updating blob preview: %w", err)
	}
	return checkRowsAffected(result)
}

// ListExpiredUnclaimed returns chat-attachment blobs whose upload TTL has
// lapsed without a message ever claiming them.
func (r *BlobRepository) ListExpiredUnclaimed(now time.Time, limit int64) ([]*models.Blob, error) {
	rows, err := r.db.Query(
		`SELECT `+blobColumns+` FROM blobs
          WHERE message_id IS NULL AND expires_at IS NOT NULL AND expires_at < ?
          ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*models.Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blob: %w", err)
		}
		blobs = append(blobs, b)
	}

	return blobs, rows.Err()
}

func scanBlob(row rowScanner) (*models.Blob, error) {
	var b models.Blob
	var expiresAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.Kind, &b.UploadedBy, &b.MessageID, &b.StoragePath, &b.MimeType, &b.SizeBytes, &b.OriginalName,
		&b.PreviewStoragePath, &b.PreviewMimeType, &b.PreviewSizeBytes, &b.PreviewWidth, &b.PreviewHeight,
		&expiresAt, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ExpiresAt = nullTimeToPtr(expiresAt)
	return &b, nil
}
