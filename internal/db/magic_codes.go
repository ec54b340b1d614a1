package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

// MagicCodeRepository stores hashed login codes together with a guess
// counter. Verification flows only ever see the newest unspent code per
// email.
type MagicCodeRepository struct {
	db *DB
}

func NewMagicCodeRepository(db *DB) *MagicCodeRepository {
	return &MagicCodeRepository{db: db}
}

func (r *MagicCodeRepository) Create(email, codeHash string, expiresAt time.Time) (*models.MagicCode, error) {
	id, err := GenerateID("mc")
	if err != nil {
		return nil, fmt.Errorf("generating magic code ID: %w", err)
	}

	now := time.Now().UTC()
	const insert = `
		INSERT INTO magic_codes (id, email, code_hash, expires_at, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`
	if _, err := r.db.Exec(insert, id, email, codeHash, expiresAt.UTC(), now); err != nil {
		return nil, fmt.Errorf("creating magic code: %w", err)
	}

	return &models.MagicCode{
		ID:        id,
		Email:     email,
		CodeHash:  codeHash,
		ExpiresAt: expiresAt,
		Attempts:  0,
		CreatedAt: now,
	}, nil
}

// FindLatestByEmail returns the newest unspent code for the address, even
// if expired; expiry is the caller's check so it can answer uniformly.
func (r *MagicCodeRepository) FindLatestByEmail(email string) (*models.MagicCode, error) {
	const query = `
		SELECT id, email, code_hash, expires_at, used_at, attempts, created_at
		FROM magic_codes
		WHERE email = ? AND used_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`

	var code models.MagicCode
	var usedAt sql.NullTime
	err := r.db.QueryRow(query, email).
		Scan(&code.ID, &code.Email, &code.CodeHash, &code.ExpiresAt, &usedAt, &code.Attempts, &code.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying magic code: %w", err)
	}

	code.UsedAt = nullTimeToPtr(usedAt)
	return &code, nil
}

// IncrementAttempts bumps the guess counter, but only while it is below
// max. Returns the new count, or -1 when the code already hit the limit.
// The conditional UPDATE keeps concurrent guesses from overshooting.
func (r *MagicCodeRepository) IncrementAttempts(id string, max int) (int, error) {
	const bump = `
		UPDATE magic_codes
		SET attempts = attempts + 1
		WHERE id = ? AND attempts < ?
		RETURNING attempts`

	var attempts int
	err := r.db.QueryRow(bump, id, max).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return attempts, nil
}

// MarkUsedIfUnused spends the code. Returns false when another request
// already spent it.
func (r *MagicCodeRepository) MarkUsedIfUnused(id string) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE magic_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("marking code used: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *MagicCodeRepository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM magic_codes WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired codes: %w", err)
	}
	return result.RowsAffected()
}
