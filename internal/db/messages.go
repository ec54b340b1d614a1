package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/constants"
	"github.com/frisksitron/lobby-sub000/internal/models"
)

type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists a message and claims the given chat-attachment blobs
// for it in one transaction. Blobs that don't exist, belong to someone
// else, or are already claimed are rejected.
func (r *MessageRepository) Create(authorID, content string, attachmentIDs []string) (*models.Message, error) {
	id, err := GenerateID("msg")
	if err != nil {
		return nil, fmt.Errorf("generating message ID: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting message transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (id, author_id, content, created_at) VALUES (?, ?, ?, ?)`,
		id, authorID, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	for _, blobID := range attachmentIDs {
		result, err := tx.Exec(
			`UPDATE blobs SET message_id = ?, expires_at = NULL
              WHERE id = ? AND uploaded_by = ? AND message_id IS NULL AND kind = 'chat_attachment'`,
			id, blobID, authorID,
		)
		if err != nil {
			return nil, fmt.Errorf("claiming attachment %s: %w", blobID, err)
		}
		if err := checkRowsAffected(result); err != nil {
			return nil, fmt.Errorf("claiming attachment %s: %w", blobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	return &models.Message{
		ID:        id,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// GetHistory returns up to limit messages older than beforeID (or the
// newest when beforeID is empty), newest first, with author display data
// and claimed attachments joined in.
func (r *MessageRepository) GetHistory(beforeID string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > constants.MessageHistoryMaxLimit {
		limit = 50
	}

	query := `SELECT m.id, m.author_id, u.username, u.avatar_url, m.content, m.created_at, m.edited_at
		FROM messages m
		LEFT JOIN users u ON m.author_id = u.id`
	var args []any

	if beforeID != "" {
		query += ` WHERE m.rowid < (SELECT rowid FROM messages WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		var authorName sql.NullString
		var editedAt sql.NullTime

		err := rows.Scan(&m.ID, &m.AuthorID, &authorName, &m.AuthorAvatarURL, &m.Content, &m.CreatedAt, &editedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		m.AuthorName = authorName.String
		m.EditedAt = nullTimeToPtr(editedAt)
		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

func (r *MessageRepository) FindByID(id string) (*models.Message, error) {
	var m models.Message
	var editedAt sql.NullTime

	err := r.db.QueryRow(
		`SELECT id, author_id, content, created_at, edited_at FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.AuthorID, &m.Content, &m.CreatedAt, &editedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	m.EditedAt = nullTimeToPtr(editedAt)

	return &m, nil
}

// AttachmentRow carries blob columns needed to render a message attachment.
type AttachmentRow struct {
	ID                 string
	MessageID          string
	OriginalName       string
	MimeType           string
	SizeBytes          int64
	PreviewStoragePath *string
	PreviewWidth       *int64
	PreviewHeight      *int64
}

// ListAttachmentsByMessageIDs returns claimed attachment rows for the
// given messages, grouped by caller.
func (r *MessageRepository) ListAttachmentsByMessageIDs(messageIDs []string) ([]AttachmentRow, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}

	rows, err := r.db.Query(
		`SELECT id, message_id, original_name, mime_type, size_bytes, preview_storage_path, preview_width, preview_height
           FROM blobs WHERE message_id IN (`+placeholders+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var attachments []AttachmentRow
	for rows.Next() {
		var a AttachmentRow
		if err := rows.Scan(&a.ID, &a.MessageID, &a.OriginalName, &a.MimeType, &a.SizeBytes, &a.PreviewStoragePath, &a.PreviewWidth, &a.PreviewHeight); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	return attachments, rows.Err()
}
