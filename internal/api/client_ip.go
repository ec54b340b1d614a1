package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver decides which address rate limiting and admission
// control see. Forwarding headers are honored only when the immediate
// peer sits inside a configured trusted proxy range; otherwise a client
// could spoof X-Forwarded-For and dodge per-IP limits.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver parses the configured proxy list. Entries may be
// CIDRs or bare addresses; bare addresses become single-host networks.
func NewClientIPResolver(trustedProxyCIDRs []string) (*ClientIPResolver, error) {
	r := &ClientIPResolver{}
	for _, raw := range trustedProxyCIDRs {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		network, err := parseTrustedEntry(entry)
		if err != nil {
			return nil, err
		}
		r.trusted = append(r.trusted, network)
	}
	return r, nil
}

func parseTrustedEntry(entry string) (*net.IPNet, error) {
	if ip := net.ParseIP(entry); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, network, err := net.ParseCIDR(entry)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", entry, err)
	}
	return network, nil
}

// Resolve returns the client address as a string, or "unknown" when the
// peer address is unparseable.
func (r *ClientIPResolver) Resolve(req *http.Request) string {
	peer := ipFromRemoteAddr(req.RemoteAddr)
	if peer == nil {
		return "unknown"
	}

	if r.isTrustedProxy(peer) {
		if ip := firstForwardedIP(req.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := parseIP(req.Header.Get("X-Real-IP")); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

func (r *ClientIPResolver) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range r.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// firstForwardedIP takes the left-most parseable X-Forwarded-For entry,
// the address of the original client as seen by our front proxy.
func firstForwardedIP(header string) net.IP {
	if header == "" {
		return nil
	}
	for _, part := range strings.Split(header, ",") {
		if ip := parseIP(part); ip != nil {
			return ip
		}
	}
	return nil
}

func ipFromRemoteAddr(remoteAddr string) net.IP {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return parseIP(host)
	}
	return parseIP(remoteAddr)
}

// parseIP tolerates the junk that shows up in forwarding headers:
// surrounding quotes, host:port pairs, bracketed IPv6 literals.
func parseIP(value string) net.IP {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}

	if ip := net.ParseIP(value); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		return net.ParseIP(strings.Trim(host, "[]"))
	}
	return nil
}
