package sfu

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/config"
)

// ICEServerInfo is one entry of the ICE server list handed to clients. It
// mirrors the RTCIceServer dictionary shape.
type ICEServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// GenerateTURNCredentials derives ephemeral credentials per the TURN REST
// API scheme (coturn use-auth-secret): the username carries the expiry, the
// credential is an HMAC-SHA1 over it. Nothing is stored server-side.
func GenerateTURNCredentials(secret, userID string, ttl time.Duration) (username, credential string) {
	username = fmt.Sprintf("%d:%s", time.Now().Add(ttl).Unix(), userID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// BuildICEServers assembles the per-user ICE server list for a voice join.
// Without a configured TURN host it returns nil and clients connect
// directly; otherwise a STUN entry and a credentialed TURN entry pointing
// at the same host.
func BuildICEServers(cfg config.TURNConfig, userID string) []ICEServerInfo {
	if cfg.Host == "" {
		return nil
	}

	username, credential := GenerateTURNCredentials(cfg.Secret, userID, cfg.TTL)
	return []ICEServerInfo{
		{URLs: []string{fmt.Sprintf("stun:%s:%d", cfg.Host, cfg.Port)}},
		{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", cfg.Host, cfg.Port)},
			Username:   username,
			Credential: credential,
		},
	}
}
