package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

func testUser() *models.User {
	return &models.User{ID: "usr_1", Username: "ana", SessionVersion: 3}
}

func TestGenerateAndValidateTokenPair(t *testing.T) {
	svc := NewJWTService("test-secret", 15*time.Minute, 30*24*time.Hour)

	pair, refreshHash, err := svc.GenerateTokenPair(testUser())
	if err != nil {
		t.Fatalf("GenerateTokenPair() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("token pair has empty tokens: %+v", pair)
	}
	if refreshHash == "" || refreshHash == pair.RefreshToken {
		t.Fatalf("refresh hash = %q, want hash distinct from raw token", refreshHash)
	}
	if got := HashRefreshToken(pair.RefreshToken); got != refreshHash {
		t.Errorf("HashRefreshToken() = %q, want %q", got, refreshHash)
	}
	if remaining := time.Until(pair.ExpiresAt); remaining < 14*time.Minute || remaining > 15*time.Minute {
		t.Errorf("access expiry %v from now, want about 15m", remaining)
	}

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.UserID != "usr_1" || claims.SessionVersion != 3 {
		t.Errorf("claims = %+v, want usr_1 with session version 3", claims)
	}
}

func TestValidateAccessTokenRejections(t *testing.T) {
	svc := NewJWTService("test-secret", 15*time.Minute, time.Hour)

	pair, _, err := svc.GenerateTokenPair(testUser())
	if err != nil {
		t.Fatalf("GenerateTokenPair() error = %v", err)
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTService("different-secret", 15*time.Minute, time.Hour)
		if _, err := other.ValidateAccessToken(pair.AccessToken); err == nil {
			t.Fatal("token validated under a different secret")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(pair.AccessToken, ".")
		if len(parts) != 3 {
			t.Fatalf("unexpected token shape: %d segments", len(parts))
		}
		tampered := parts[0] + "." + parts[1] + "x." + parts[2]
		if _, err := svc.ValidateAccessToken(tampered); err == nil {
			t.Fatal("tampered token validated")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := svc.ValidateAccessToken("not-a-jwt"); err == nil {
			t.Fatal("garbage token validated")
		}
	})

	t.Run("expired", func(t *testing.T) {
		shortLived := NewJWTService("test-secret", -time.Minute, time.Hour)
		expired, _, err := shortLived.GenerateTokenPair(testUser())
		if err != nil {
			t.Fatalf("GenerateTokenPair() error = %v", err)
		}
		if _, err := svc.ValidateAccessToken(expired.AccessToken); !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("ValidateAccessToken() error = %v, want ErrTokenExpired", err)
		}
	})
}

func TestGenerateOpaqueToken(t *testing.T) {
	raw, hash, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken() error = %v", err)
	}
	if len(raw) != 64 {
		t.Errorf("raw token length = %d, want 64 hex chars", len(raw))
	}
	if HashOpaqueToken(raw) != hash {
		t.Error("returned hash does not match HashOpaqueToken of the raw token")
	}

	raw2, _, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken() error = %v", err)
	}
	if raw == raw2 {
		t.Error("two generated tokens are identical")
	}
}

func TestGenerateCodeShape(t *testing.T) {
	svc := NewMagicCodeService(10 * time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := svc.GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode() error = %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q length = %d, want 6", code, len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q contains non-digit %q", code, r)
			}
		}
		seen[code] = true
	}
	// 50 draws from a million-code space colliding down to a handful would
	// mean the generator is broken.
	if len(seen) < 40 {
		t.Errorf("only %d distinct codes in 50 draws", len(seen))
	}
}

func TestCodeMatches(t *testing.T) {
	hash := HashCode("123456")

	if !CodeMatches("123456", hash) {
		t.Error("correct code did not match its hash")
	}
	if CodeMatches("654321", hash) {
		t.Error("wrong code matched")
	}
	if CodeMatches("", hash) {
		t.Error("empty code matched")
	}
}
