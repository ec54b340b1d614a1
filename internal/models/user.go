package models

import "time"

// User is the canonical account row. Email and the session/deactivation
// fields never leave the server; REST and WS payloads pick the public
// subset themselves.
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email,omitempty"`
	AvatarURL      *string    `json:"avatarUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	DeactivatedAt  *time.Time `json:"-"`
	SessionVersion int        `json:"-"`
}

// GetAvatarURL flattens the nullable column for payload builders.
func (u *User) GetAvatarURL() string {
	if u.AvatarURL == nil {
		return ""
	}
	return *u.AvatarURL
}

// MagicCode is one emailed login code. CodeHash stores sha256 of the
// six digits; Attempts counts failed verifies against it.
type MagicCode struct {
	ID        string
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	Attempts  int
	CreatedAt time.Time
}

// RegistrationToken bridges a verified email to the register call when
// no account exists yet for it.
type RegistrationToken struct {
	ID        string
	Email     string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RefreshToken is an opaque rotating token; only its hash is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}
