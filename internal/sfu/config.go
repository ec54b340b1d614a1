package sfu

import "github.com/pion/webrtc/v4"

// Config controls how server-side peer connections gather candidates.
type Config struct {
	// PublicIP is advertised in host candidates when the server sits
	// behind 1:1 NAT. Empty means pion's interface detection is used.
	PublicIP string
	// MinPort and MaxPort bound the UDP range used for media, so a
	// firewall only needs one pinhole.
	MinPort uint16
	MaxPort uint16
	// STUNUrl lets the server discover its reflexive address when no
	// PublicIP is configured, e.g. "stun:turn.example.com:3478".
	STUNUrl string
}

// ToWebRTCConfig builds the pion configuration for new peer connections.
// TURN is never listed here: relaying is a client concern, the server is
// directly reachable.
func (c *Config) ToWebRTCConfig() webrtc.Configuration {
	var cfg webrtc.Configuration
	if c.STUNUrl != "" {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{c.STUNUrl}}}
	}
	return cfg
}
