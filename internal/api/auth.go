package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/auth"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/email"
	"github.com/frisksitron/lobby-sub000/internal/models"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

type AuthHandler struct {
	users              *db.UserRepository
	magicCodes         *db.MagicCodeRepository
	registrationTokens *db.RegistrationTokenRepository
	refreshTokens      *db.RefreshTokenRepository
	jwtService         *auth.JWTService
	magicService       *auth.MagicCodeService
	emailService       email.Sender
	magicCodeTTL       time.Duration
	hub                *ws.Hub
}

func NewAuthHandler(
	users *db.UserRepository,
	magicCodes *db.MagicCodeRepository,
	registrationTokens *db.RegistrationTokenRepository,
	refreshTokens *db.RefreshTokenRepository,
	jwtService *auth.JWTService,
	magicService *auth.MagicCodeService,
	emailService email.Sender,
	magicCodeTTL time.Duration,
	hub *ws.Hub,
) *AuthHandler {
	return &AuthHandler{
		users:              users,
		magicCodes:         magicCodes,
		registrationTokens: registrationTokens,
		refreshTokens:      refreshTokens,
		jwtService:         jwtService,
		magicService:       magicService,
		emailService:       emailService,
		magicCodeTTL:       magicCodeTTL,
		hub:                hub,
	}
}

// POST /api/v1/auth/login/magic-code
type MagicCodeRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type MagicCodeResponse struct {
	Message string `json:"message"`
}

func (h *AuthHandler) RequestMagicCode(w http.ResponseWriter, r *http.Request) {
	var req MagicCodeRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	email, ok := normalizeEmail(w, req.Email)
	if !ok {
		return
	}

	code, err := h.magicService.GenerateCode()
	if err != nil {
		slog.Error("generating magic code failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	if _, err := h.magicCodes.Create(email, auth.HashCode(code), h.magicService.ExpiresAt()); err != nil {
		slog.Error("storing magic code failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	// Same response either way; the endpoint must not confirm which
	// emails exist.
	if err := h.emailService.SendMagicCode(email, code, h.magicCodeTTL); err != nil {
		slog.Error("sending magic code email failed", "component", "auth", "error", err)
	}

	writeJSON(w, http.StatusOK, MagicCodeResponse{
		Message: "If an account exists with this email, a login code has been sent",
	})
}

// normalizeEmail lowercases and validates the address, writing the
// error response itself when it is unusable.
func normalizeEmail(w http.ResponseWriter, raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		badRequest(w, "email is required")
		return "", false
	}
	if err := requestValidator.Var(email, "email,max=254"); err != nil {
		badRequest(w, "invalid email format")
		return "", false
	}
	return email, true
}

// POST /api/v1/auth/login/magic-code/verify
type VerifyMagicCodeRequest struct {
	Email string `json:"email" validate:"required,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type AuthResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    string       `json:"expiresAt"`
}

type VerifyMagicCodeResponse struct {
	Next                  string        `json:"next"`
	RegistrationToken     string        `json:"registrationToken,omitempty"`
	RegistrationExpiresAt string        `json:"registrationExpiresAt,omitempty"`
	Session               *AuthResponse `json:"session,omitempty"`
}

type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

type RegisterRequest struct {
	RegistrationToken string `json:"registrationToken" validate:"required"`
	Username          string `json:"username" validate:"required,min=3,max=32"`
}

func (h *AuthHandler) VerifyMagicCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyMagicCodeRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	email, ok := normalizeEmail(w, req.Email)
	if !ok {
		return
	}

	storedEmail, ok := h.consumeMagicCode(w, email, req.Code)
	if !ok {
		return
	}

	user, err := h.users.FindByEmail(storedEmail)
	if errors.Is(err, db.ErrNotFound) {
		// New email: hand back a registration token instead of a session.
		h.issueRegistrationToken(w, storedEmail)
		return
	}
	if err != nil {
		slog.Error("finding user failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	wasReactivated := false
	if user.DeactivatedAt != nil {
		// Reactivate bumps session_version, so reload for fresh claims.
		if err := h.users.Reactivate(user.ID); err != nil {
			slog.Error("reactivating user failed", "component", "auth", "error", err, "user_id", user.ID)
			internalError(w)
			return
		}
		user, err = h.users.FindActiveByID(user.ID)
		if err != nil {
			slog.Error("loading reactivated user failed", "component", "auth", "error", err, "user_id", user.ID)
			internalError(w)
			return
		}
		wasReactivated = true
	}

	authResponse, err := h.generateAuthResponse(user)
	if err != nil {
		slog.Error("issuing auth tokens failed", "component", "auth", "error", err, "user_id", user.ID)
		internalError(w)
		return
	}

	if wasReactivated {
		h.broadcastUserJoined(user)
	}

	writeJSON(w, http.StatusOK, VerifyMagicCodeResponse{
		Next:    "session",
		Session: authResponse,
	})
}

// consumeMagicCode runs the full code check: attempts budget, hash
// match, expiry, single use. On failure the response has been written.
// It returns the stored email, which is the canonical casing for the
// user lookup.
func (h *AuthHandler) consumeMagicCode(w http.ResponseWriter, email, code string) (string, bool) {
	magicCode, err := h.magicCodes.FindLatestByEmail(email)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid code")
		return "", false
	}
	if err != nil {
		slog.Error("finding magic code failed", "component", "auth", "error", err)
		internalError(w)
		return "", false
	}

	// The attempt is counted before the comparison, so guessing burns
	// the budget even on mismatches.
	newAttempts, err := h.magicCodes.IncrementAttempts(magicCode.ID, auth.MaxAttempts)
	if err != nil {
		slog.Error("incrementing attempts failed", "component", "auth", "error", err)
		internalError(w)
		return "", false
	}
	if newAttempts < 0 {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Too many attempts")
		return "", false
	}

	if !auth.CodeMatches(code, magicCode.CodeHash) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid code")
		return "", false
	}
	if time.Now().After(magicCode.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthExpired, "Code has expired")
		return "", false
	}

	used, err := h.magicCodes.MarkUsedIfUnused(magicCode.ID)
	if err != nil {
		slog.Error("spending magic code failed", "component", "auth", "error", err)
		internalError(w)
		return "", false
	}
	if !used {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Code has already been used")
		return "", false
	}

	return magicCode.Email, true
}

// issueRegistrationToken answers a verified code from an unknown email
// with a short-lived token for the register step.
func (h *AuthHandler) issueRegistrationToken(w http.ResponseWriter, email string) {
	rawToken, tokenHash, err := auth.GenerateOpaqueToken()
	if err != nil {
		slog.Error("generating registration token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	expiresAt := time.Now().Add(h.magicCodeTTL)
	if _, err := h.registrationTokens.Create(email, tokenHash, expiresAt); err != nil {
		slog.Error("storing registration token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, VerifyMagicCodeResponse{
		Next:                  "register",
		RegistrationToken:     rawToken,
		RegistrationExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	rawToken := strings.TrimSpace(req.RegistrationToken)
	username := strings.TrimSpace(req.Username)

	if !usernameRegex.MatchString(username) {
		badRequest(w, "Username must be 3-32 characters and contain only letters, numbers, underscores, and hyphens")
		return
	}

	tokenHash := auth.HashOpaqueToken(rawToken)
	if _, err := h.registrationTokens.FindValid(tokenHash); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid registration token")
			return
		}
		slog.Error("validating registration token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	available, err := h.users.IsUsernameAvailable(username)
	if err != nil {
		slog.Error("checking username availability failed", "component", "auth", "error", err)
		internalError(w)
		return
	}
	if !available {
		conflict(w, "Username already taken")
		return
	}

	token, err := h.registrationTokens.ConsumeValid(tokenHash)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid registration token")
			return
		}
		slog.Error("consuming registration token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	user, err := h.users.Create(token.Email)
	if errors.Is(err, db.ErrDuplicate) {
		// A half-finished registration left a row without a username;
		// anything else on this email is a real conflict.
		existing, findErr := h.users.FindByEmail(token.Email)
		if findErr != nil || existing.Username != "" {
			conflict(w, "Account already registered")
			return
		}
		user = existing
	} else if err != nil {
		slog.Error("creating user failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	if err := h.users.UpdateUsername(user.ID, username); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			conflict(w, "Username already taken")
			return
		}
		slog.Error("setting username failed", "component", "auth", "error", err, "user_id", user.ID)
		internalError(w)
		return
	}
	user.Username = username

	authResponse, err := h.generateAuthResponse(user)
	if err != nil {
		slog.Error("issuing auth tokens failed", "component", "auth", "error", err, "user_id", user.ID)
		internalError(w)
		return
	}

	h.broadcastUserJoined(user)
	writeJSON(w, http.StatusOK, authResponse)
}

// POST /api/v1/auth/refresh
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	tokenHash := auth.HashRefreshToken(req.RefreshToken)
	refreshToken, err := h.refreshTokens.FindByHash(tokenHash)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid refresh token")
		return
	}
	if err != nil {
		slog.Error("finding refresh token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	if refreshToken.RevokedAt != nil {
		// Reuse of a rotated token means the token leaked somewhere;
		// revoke the whole family.
		if err := h.refreshTokens.RevokeAllForUser(refreshToken.UserID); err != nil {
			slog.Error("revoking token family after reuse failed", "component", "auth", "error", err, "user_id", refreshToken.UserID)
		}
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Refresh token has been revoked")
		return
	}

	if time.Now().After(refreshToken.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthExpired, "Refresh token has expired")
		return
	}

	user, err := h.users.FindActiveByID(refreshToken.UserID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "User not found")
		return
	}
	if err != nil {
		slog.Error("finding user failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	tokenPair, newRefreshHash, err := h.jwtService.GenerateTokenPair(user)
	if err != nil {
		slog.Error("generating refreshed token pair failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	if err := h.refreshTokens.Rotate(refreshToken.ID, user.ID, newRefreshHash, h.jwtService.RefreshTokenExpiry()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			if revokeErr := h.refreshTokens.RevokeAllForUser(user.ID); revokeErr != nil {
				slog.Error("revoking token family after rotation race failed", "component", "auth", "error", revokeErr, "user_id", user.ID)
			}
			writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, "Refresh token has already been used")
			return
		}
		slog.Error("rotating refresh token failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresAt:    tokenPair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	if userID == "" {
		unauthorized(w, "User not found in context")
		return
	}

	if err := h.refreshTokens.RevokeAllForUser(userID); err != nil {
		slog.Error("revoking refresh tokens failed", "component", "auth", "error", err)
		internalError(w)
		return
	}

	if _, err := h.users.IncrementSessionVersion(userID); err != nil {
		slog.Error("incrementing session version on logout failed", "component", "auth", "error", err, "user_id", userID)
		internalError(w)
		return
	}

	h.hub.CloseUserClient(userID, ErrCodeAuthExpired, "Session ended")

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) generateAuthResponse(user *models.User) (*AuthResponse, error) {
	tokenPair, refreshHash, err := h.jwtService.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}

	if _, err := h.refreshTokens.Create(user.ID, refreshHash, h.jwtService.RefreshTokenExpiry()); err != nil {
		return nil, err
	}

	return &AuthResponse{
		User:         user,
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresAt:    tokenPair.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func (h *AuthHandler) broadcastUserJoined(user *models.User) {
	if user == nil || h.hub == nil {
		return
	}

	h.hub.BroadcastEvent(ws.EventUserJoined, ws.UserJoinedPayload{
		Member: ws.MemberState{
			ID:        user.ID,
			Username:  user.Username,
			Avatar:    user.GetAvatarURL(),
			Status:    "offline",
			InVoice:   false,
			Muted:     false,
			Deafened:  false,
			Streaming: false,
			CreatedAt: user.CreatedAt,
		},
	})
}
