package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

var ErrTokenExpired = errors.New("token expired")

// JWTService mints short-lived HS256 access tokens paired with opaque
// refresh tokens. Only the refresh token's hash is ever stored.
type JWTService struct {
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

type Claims struct {
	UserID string `json:"userId"`
	// SessionVersion must match the user row at validation time; logout,
	// deactivation and reactivation bump the row and orphan old tokens.
	SessionVersion int `json:"sessionVersion"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func NewJWTService(secret string, accessTTL, refreshTTL time.Duration) *JWTService {
	return &JWTService{
		secret:          []byte(secret),
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
	}
}

// GenerateTokenPair returns the pair handed to the client plus the refresh
// token hash for persistence.
func (s *JWTService) GenerateTokenPair(user *models.User) (*TokenPair, string, error) {
	access, expiresAt, err := s.signAccessToken(user)
	if err != nil {
		return nil, "", err
	}

	refreshRaw, err := generateSecureToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("generating refresh token: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshRaw,
		ExpiresAt:    expiresAt,
	}
	return pair, hashToken(refreshRaw), nil
}

func (s *JWTService) signAccessToken(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTokenTTL)

	claims := Claims{
		UserID:         user.ID,
		SessionVersion: user.SessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.ID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// keyFunc rejects tokens whose header names a non-HMAC algorithm before
// the secret is released for verification.
func (s *JWTService) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}

func (s *JWTService) RefreshTokenExpiry() time.Time {
	return time.Now().Add(s.refreshTokenTTL)
}

func HashRefreshToken(token string) string {
	return hashToken(token)
}

// HashOpaqueToken is the storage form for tokens minted by
// GenerateOpaqueToken.
func HashOpaqueToken(token string) string {
	return hashToken(token)
}

// GenerateOpaqueToken returns a random token and its storage hash, used
// for registration tokens which never leave the auth flow as JWTs.
func GenerateOpaqueToken() (raw string, hash string, err error) {
	raw, err = generateSecureToken(32)
	if err != nil {
		return "", "", err
	}
	return raw, hashToken(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateSecureToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
