package db

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// IsUniqueConstraintError reports whether err is a sqlite UNIQUE or
// PRIMARY KEY violation. Repositories surface these as conflicts
// (duplicate username, duplicate id) instead of opaque 500s.
func IsUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return true
	}
	return false
}
