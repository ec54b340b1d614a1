package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

// RegistrationTokenRepository stores single-use invite tokens, hashed. A
// token is spent by setting used_at; expired and spent rows never match.
type RegistrationTokenRepository struct {
	db *DB
}

func NewRegistrationTokenRepository(db *DB) *RegistrationTokenRepository {
	return &RegistrationTokenRepository{db: db}
}

func (r *RegistrationTokenRepository) Create(email, tokenHash string, expiresAt time.Time) (*models.RegistrationToken, error) {
	id, err := GenerateID("rgt")
	if err != nil {
		return nil, fmt.Errorf("generating registration token ID: %w", err)
	}

	now := time.Now().UTC()
	const insert = `
		INSERT INTO registration_tokens (id, email, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(insert, id, email, tokenHash, expiresAt.UTC(), now); err != nil {
		return nil, fmt.Errorf("creating registration token: %w", err)
	}

	return &models.RegistrationToken{
		ID:        id,
		Email:     email,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// FindValid looks up an unspent, unexpired token without consuming it, for
// pre-validating the registration form.
func (r *RegistrationTokenRepository) FindValid(tokenHash string) (*models.RegistrationToken, error) {
	const query = `
		SELECT id, email, token_hash, expires_at, used_at, created_at
		FROM registration_tokens
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`

	row := r.db.QueryRow(query, tokenHash, time.Now().UTC())
	token, err := scanRegistrationToken(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("querying registration token: %w", err)
	}
	return token, err
}

// ConsumeValid spends the token and returns it. The single UPDATE with
// RETURNING makes concurrent registrations race safely: exactly one wins,
// the rest get ErrNotFound.
func (r *RegistrationTokenRepository) ConsumeValid(tokenHash string) (*models.RegistrationToken, error) {
	now := time.Now().UTC()
	const consume = `
		UPDATE registration_tokens
		SET used_at = ?
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
		RETURNING id, email, token_hash, expires_at, used_at, created_at`

	row := r.db.QueryRow(consume, now, tokenHash, now)
	token, err := scanRegistrationToken(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("consuming registration token: %w", err)
	}
	return token, err
}

func (r *RegistrationTokenRepository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM registration_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired registration tokens: %w", err)
	}
	return result.RowsAffected()
}

func scanRegistrationToken(row *sql.Row) (*models.RegistrationToken, error) {
	var token models.RegistrationToken
	var usedAt sql.NullTime

	err := row.Scan(&token.ID, &token.Email, &token.TokenHash, &token.ExpiresAt, &usedAt, &token.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	token.UsedAt = nullTimeToPtr(usedAt)
	return &token, nil
}
