package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

type UserHandler struct {
	users         *db.UserRepository
	refreshTokens *db.RefreshTokenRepository
	hub           *ws.Hub
}

func NewUserHandler(users *db.UserRepository, refreshTokens *db.RefreshTokenRepository, hub *ws.Hub) *UserHandler {
	return &UserHandler{users: users, refreshTokens: refreshTokens, hub: hub}
}

// GET /api/v1/users
func (h *UserHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.FindAllActive()
	if err != nil {
		slog.Error("listing users failed", "component", "users", "error", err)
		internalError(w)
		return
	}

	// Strip emails from the roster; only /users/me exposes the caller's own.
	for _, u := range users {
		u.Email = ""
	}

	writeJSON(w, http.StatusOK, users)
}

// GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	user, err := h.users.FindActiveByID(userID)
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "User not found")
		return
	}
	if err != nil {
		slog.Error("finding user failed", "component", "users", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

type UpdateUserRequest struct {
	Username *string `json:"username"`
}

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// PATCH /api/v1/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}

	user, err := h.users.FindActiveByID(userID)
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "User not found")
		return
	}
	if err != nil {
		slog.Error("finding user failed", "component", "users", "error", err)
		internalError(w)
		return
	}

	updated := false
	if req.Username != nil {
		username := strings.TrimSpace(*req.Username)

		if !usernameRegex.MatchString(username) {
			badRequest(w, "Username must be 3-32 characters and contain only letters, numbers, underscores, and hyphens")
			return
		}

		// Re-submitting the current name is a no-op, not a conflict.
		if username != user.Username {
			available, err := h.users.IsUsernameAvailable(username)
			if err != nil {
				slog.Error("checking username availability failed", "component", "users", "error", err)
				internalError(w)
				return
			}
			if !available {
				conflict(w, "Username already taken")
				return
			}

			if err := h.users.UpdateUsername(userID, username); err != nil {
				if errors.Is(err, db.ErrDuplicate) {
					conflict(w, "Username already taken")
					return
				}
				if errors.Is(err, db.ErrNotFound) {
					notFound(w, "User not found")
					return
				}
				slog.Error("updating username failed", "component", "users", "error", err)
				internalError(w)
				return
			}
			user.Username = username
			updated = true
		}
	}

	if updated && h.hub != nil {
		h.hub.BroadcastEvent(ws.EventUserUpdate, ws.UserUpdatePayload{
			ID:       user.ID,
			Username: user.Username,
			Avatar:   user.GetAvatarURL(),
		})
	}

	writeJSON(w, http.StatusOK, user)
}

// DELETE /api/v1/users/me
func (h *UserHandler) LeaveMe(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	// Deactivate also bumps session_version, invalidating live tokens.
	if err := h.users.Deactivate(userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "User not found")
			return
		}
		slog.Error("deactivating user failed", "component", "users", "error", err, "user_id", userID)
		internalError(w)
		return
	}

	if err := h.refreshTokens.RevokeAllForUser(userID); err != nil {
		slog.Error("revoking refresh tokens failed", "component", "users", "error", err, "user_id", userID)
		internalError(w)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastEvent(ws.EventUserLeft, ws.UserLeftPayload{UserID: userID})
		h.hub.CloseUserClient(userID, ErrCodeAuthExpired, "Account deactivated")
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Left server successfully"})
}
