package db

import (
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

type ServerSettingsRepository struct {
	db *DB
}

func NewServerSettingsRepository(db *DB) *ServerSettingsRepository {
	return &ServerSettingsRepository{db: db}
}

func (r *ServerSettingsRepository) Get() (*models.ServerSettings, error) {
	var s models.ServerSettings
	err := r.db.QueryRow(
		`SELECT description, icon_blob_id, updated_at FROM server_settings WHERE id = 1`,
	).Scan(&s.Description, &s.IconBlobID, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("querying server settings: %w", err)
	}
	return &s, nil
}

func (r *ServerSettingsRepository) SetIconBlobID(iconBlobID *string) error {
	result, err := r.db.Exec(
		`UPDATE server_settings SET icon_blob_id = ?, updated_at = ? WHERE id = 1`,
		iconBlobID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating server icon: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *ServerSettingsRepository) SetDescription(description string) error {
	result, err := r.db.Exec(
		`UPDATE server_settings SET description = ?, updated_at = ? WHERE id = 1`,
		description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating server description: %w", err)
	}
	return checkRowsAffected(result)
}
