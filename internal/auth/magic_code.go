package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// MaxAttempts is how many wrong guesses a single magic code survives.
const MaxAttempts = 5

// MagicCodeService mints the 6-digit login codes sent by email.
type MagicCodeService struct {
	ttl time.Duration
}

func NewMagicCodeService(ttl time.Duration) *MagicCodeService {
	return &MagicCodeService{ttl: ttl}
}

// GenerateCode draws a zero-padded 6-digit code from crypto/rand.
func (s *MagicCodeService) GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating random code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ExpiresAt is the expiry for a code created now.
func (s *MagicCodeService) ExpiresAt() time.Time {
	return time.Now().Add(s.ttl)
}

// HashCode returns the storage form of a magic code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CodeMatches compares a submitted code against a stored hash without
// leaking timing.
func CodeMatches(code, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(storedHash)) == 1
}
