package sfu

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/config"
)

func TestGenerateTURNCredentials(t *testing.T) {
	secret := "test-secret"
	userID := "usr_1"
	ttl := 24 * time.Hour

	before := time.Now().Add(ttl).Unix()
	username, credential := GenerateTURNCredentials(secret, userID, ttl)
	after := time.Now().Add(ttl).Unix()

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("expected username in expiry:userID form, got %q", username)
	}
	if parts[1] != userID {
		t.Fatalf("expected username to end with %q, got %q", userID, parts[1])
	}

	var expiry int64
	if _, err := fmt.Sscanf(parts[0], "%d", &expiry); err != nil {
		t.Fatalf("expected numeric expiry, got %q: %v", parts[0], err)
	}
	if expiry < before || expiry > after {
		t.Fatalf("expiry %d outside expected window [%d, %d]", expiry, before, after)
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if credential != want {
		t.Fatalf("credential mismatch: got %q, want %q", credential, want)
	}
}

func TestGenerateTURNCredentialsDifferentSecrets(t *testing.T) {
	_, cred1 := GenerateTURNCredentials("secret-a", "usr_1", time.Hour)
	_, cred2 := GenerateTURNCredentials("secret-b", "usr_1", time.Hour)
	if cred1 == cred2 {
		t.Fatal("expected different credentials for different secrets")
	}
}

func TestBuildICEServers(t *testing.T) {
	t.Run("no_turn_configured", func(t *testing.T) {
		servers := BuildICEServers(config.TURNConfig{}, "usr_1")
		if servers != nil {
			t.Fatalf("expected nil without a TURN host, got %+v", servers)
		}
	})

	t.Run("turn_configured", func(t *testing.T) {
		cfg := config.TURNConfig{
			Host:   "turn.example.com",
			Port:   3478,
			Secret: "s3cret",
			TTL:    time.Hour,
		}
		servers := BuildICEServers(cfg, "usr_1")
		if len(servers) != 2 {
			t.Fatalf("expected 2 ICE servers, got %d", len(servers))
		}

		stun := servers[0]
		if len(stun.URLs) != 1 || stun.URLs[0] != "stun:turn.example.com:3478" {
			t.Fatalf("unexpected STUN entry: %+v", stun)
		}
		if stun.Username != "" || stun.Credential != "" {
			t.Fatalf("STUN entry should not carry credentials: %+v", stun)
		}

		turn := servers[1]
		if len(turn.URLs) != 1 || turn.URLs[0] != "turn:turn.example.com:3478" {
			t.Fatalf("unexpected TURN entry: %+v", turn)
		}
		if turn.Username == "" || turn.Credential == "" {
			t.Fatalf("TURN entry missing credentials: %+v", turn)
		}
		if !strings.HasSuffix(turn.Username, ":usr_1") {
			t.Fatalf("TURN username should embed the user ID, got %q", turn.Username)
		}
	})
}
