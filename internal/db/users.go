package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
)

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, email, avatar_url, session_version, deactivated_at, created_at, updated_at`

func (r *UserRepository) Create(email string) (*models.User, error) {
	id, err := GenerateID("usr")
	if err != nil {
		return nil, fmt.Errorf("generating user ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.Exec(
		`INSERT INTO users (id, email, session_version, created_at, updated_at) VALUES (?, ?, 1, ?, ?)`,
		id, email, now, now,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return &models.User{
		ID:             id,
		Email:          email,
		SessionVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      &now,
	}, nil
}

func (r *UserRepository) FindByID(id string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindActiveByID is FindByID restricted to non-deactivated accounts.
func (r *UserRepository) FindActiveByID(id string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE id = ? AND deactivated_at IS NULL`, id)
}

// FindByEmail matches deactivated accounts too; the login flow uses it
// to decide between reactivation and registration.
func (r *UserRepository) FindByEmail(email string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (r *UserRepository) FindAllActive() ([]*models.User, error) {
	rows, err := r.db.Query(
		`SELECT ` + userColumns + ` FROM users WHERE deactivated_at IS NULL AND username IS NOT NULL ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (r *UserRepository) UpdateUsername(id, username string) error {
	result, err := r.db.Exec(
		`UPDATE users SET username = ?, updated_at = ? WHERE id = ? AND deactivated_at IS NULL`,
		username, time.Now().UTC(), id,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating username: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) UpdateAvatarURL(id string, avatarURL *string) error {
	result, err := r.db.Exec(
		`UPDATE users SET avatar_url = ?, updated_at = ? WHERE id = ? AND deactivated_at IS NULL`,
		avatarURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating avatar url: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) IsUsernameAvailable(username string) (bool, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking username availability: %w", err)
	}
	return count == 0, nil
}

// IncrementSessionVersion invalidates all previously issued access tokens
// for the user and returns the new version.
func (r *UserRepository) IncrementSessionVersion(id string) (int, error) {
	var version int
	err := r.db.QueryRow(
		`UPDATE users SET session_version = session_version + 1, updated_at = ? WHERE id = ? RETURNING session_version`,
		time.Now().UTC(), id,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing session version: %w", err)
	}
	return version, nil
}

// Deactivate soft-deletes the account and bumps the session version so
// outstanding tokens stop working.
func (r *UserRepository) Deactivate(id string) error {
	now := time.Now().UTC()
	result, err := r.db.Exec(
		`UPDATE users SET deactivated_at = ?, session_version = session_version + 1, updated_at = ? WHERE id = ? AND deactivated_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	return checkRowsAffected(result)
}

// Reactivate clears deactivated_at and bumps the session version.
func (r *UserRepository) Reactivate(id string) error {
	result, err := r.db.Exec(
		`UPDATE users SET deactivated_at = NULL, session_version = session_version + 1, updated_at = ? WHERE id = ? AND deactivated_at IS NOT NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reactivating user: %w", err)
	}
	return checkRowsAffected(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var username sql.NullString
	var deactivatedAt, updatedAt sql.NullTime

	err := row.Scan(
		&u.ID,
		&username,
		&u.Email,
		&u.AvatarURL,
		&u.SessionVersion,
		&deactivatedAt,
		&u.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.Username = username.String
	u.DeactivatedAt = nullTimeToPtr(deactivatedAt)
	u.UpdatedAt = nullTimeToPtr(updatedAt)

	return &u, nil
}

func (r *UserRepository) findOne(query string, args ...any) (*models.User, error) {
	u, err := scanUser(r.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}
