package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

// RefreshTokenRepository persists hashed refresh tokens. Raw tokens never
// reach the database; callers hash before every lookup.
type RefreshTokenRepository struct {
	db *DB
}

func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(userID, tokenHash string, expiresAt time.Time) (*models.RefreshToken, error) {
	id, err := GenerateID("rft")
	if err != nil {
		return nil, fmt.Errorf("generating refresh token ID: %w", err)
	}

	now := time.Now().UTC()
	const insert = `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(insert, id, userID, tokenHash, expiresAt.UTC(), now); err != nil {
		return nil, fmt.Errorf("creating refresh token: %w", err)
	}

	return &models.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// FindByHash returns the token row regardless of expiry or revocation; the
// caller inspects those fields to tell reuse apart from a normal refresh.
func (r *RefreshTokenRepository) FindByHash(tokenHash string) (*models.RefreshToken, error) {
	const query = `
		SELECT id, user_id, token_hash, expires_at, created_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = ?`

	var token models.RefreshToken
	var revokedAt sql.NullTime
	err := r.db.QueryRow(query, tokenHash).
		Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	token.RevokedAt = nullTimeToPtr(revokedAt)
	return &token, nil
}

// Revoke marks one token revoked. ErrNotFound means it was already revoked
// or never existed.
func (r *RefreshTokenRepository) Revoke(id string) error {
	result, err := r.db.Exec(
		`UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return checkRowsAffected(result)
}

// Rotate revokes the consumed token and inserts its replacement in a single
// transaction. ErrNotFound means the old token was no longer valid, which
// callers treat as reuse of a stolen token.
func (r *RefreshTokenRepository) Rotate(consumedTokenID string, userID string, newTokenHash string, newExpiresAt time.Time) error {
	newID, err := GenerateID("rft")
	if err != nil {
		return fmt.Errorf("generating rotated refresh token ID: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("starting refresh token rotation transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const revoke = `
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL AND expires_at > ?`
	result, err := tx.Exec(revoke, now, consumedTokenID, now)
	if err != nil {
		return fmt.Errorf("revoking token during rotation: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("checking refresh token rotation rows affected: %w", err)
	}

	const insert = `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.Exec(insert, newID, userID, newTokenHash, newExpiresAt.UTC(), now); err != nil {
		return fmt.Errorf("creating rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing refresh token rotation: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(userID string) error {
	_, err := r.db.Exec(
		`UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("revoking user tokens: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM refresh_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return result.RowsAffected()
}
