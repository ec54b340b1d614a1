package api

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPResolverResolve(t *testing.T) {
	testCases := []struct {
		name         string
		trusted      []string
		remoteAddr   string
		forwardedFor string
		realIP       string
		want         string
	}{
		{
			name:         "direct connection ignores forwarding headers",
			remoteAddr:   "203.0.113.7:43210",
			forwardedFor: "198.51.100.5",
			realIP:       "198.51.100.6",
			want:         "203.0.113.7",
		},
		{
			name:         "trusted proxy uses left-most forwarded-for",
			trusted:      []string{"172.30.0.10/32"},
			remoteAddr:   "172.30.0.10:12345",
			forwardedFor: "198.51.100.8, 172.30.0.10",
			want:         "198.51.100.8",
		},
		{
			name:         "trusted proxy falls back to x-real-ip",
			trusted:      []string{"172.30.0.10/32"},
			remoteAddr:   "172.30.0.10:12345",
			forwardedFor: "not-an-ip",
			realIP:       "198.51.100.10",
			want:         "198.51.100.10",
		},
		{
			name:         "peer outside trusted range keeps its own address",
			trusted:      []string{"172.30.0.0/24"},
			remoteAddr:   "203.0.113.9:1000",
			forwardedFor: "198.51.100.5",
			want:         "203.0.113.9",
		},
		{
			name:         "bare address entry acts as single-host network",
			trusted:      []string{"172.30.0.10"},
			remoteAddr:   "172.30.0.10:9",
			forwardedFor: "198.51.100.5",
			want:         "198.51.100.5",
		},
		{
			name:       "unparseable peer resolves to unknown",
			remoteAddr: "garbage",
			want:       "unknown",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resolver, err := NewClientIPResolver(tc.trusted)
			if err != nil {
				t.Fatalf("NewClientIPResolver error: %v", err)
			}

			req := httptest.NewRequest("GET", "http://localhost/test", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tc.forwardedFor)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}

			if got := resolver.Resolve(req); got != tc.want {
				t.Fatalf("Resolve() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPResolverRejectsBadCIDR(t *testing.T) {
	if _, err := NewClientIPResolver([]string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}
