package db

import (
	"database/sql"
	"fmt"
	"time"
)

// nullTimeToPtr maps a nullable column onto the *time.Time fields the
// models use.
func nullTimeToPtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// checkRowsAffected turns a zero-row UPDATE or DELETE into ErrNotFound
// so callers don't silently succeed against missing rows.
func checkRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
