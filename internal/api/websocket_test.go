package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/config"
)

func TestOriginMatchesAllowed(t *testing.T) {
	testCases := []struct {
		name    string
		origin  string
		allowed string
		want    bool
	}{
		{name: "exact match", origin: "https://example.com", allowed: "https://example.com", want: true},
		{name: "exact miss", origin: "https://evil.com", allowed: "https://example.com", want: false},
		{name: "scheme wildcard match", origin: "app://desktop/main", allowed: "app://*", want: true},
		{name: "scheme wildcard miss", origin: "https://example.com", allowed: "app://*", want: false},
		{name: "bare star matches anything", origin: "https://anywhere.net", allowed: "*", want: true},
		{name: "empty entry matches nothing", origin: "https://example.com", allowed: "", want: false},
		{name: "entry whitespace is trimmed", origin: "https://example.com", allowed: "  https://example.com  ", want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := originMatchesAllowed(tc.origin, tc.allowed); got != tc.want {
				t.Errorf("originMatchesAllowed(%q, %q) = %v, want %v", tc.origin, tc.allowed, got, tc.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	handler := NewWebSocketHandler(nil, config.WebSocketConfig{
		AllowedOrigins:           []string{"https://example.com", "app://*"},
		MaxUnauthenticatedPerIP:  10,
		MaxUnauthenticatedGlobal: 100,
		UnauthenticatedTimeout:   10 * time.Second,
	})

	testCases := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "missing origin header", origin: "", want: true},
		{name: "loopback ipv4", origin: "http://127.0.0.1:5173", want: true},
		{name: "localhost", origin: "http://localhost:5173", want: true},
		{name: "loopback ipv6", origin: "http://[::1]:5173", want: true},
		{name: "configured origin", origin: "https://example.com", want: true},
		{name: "wildcard scheme", origin: "app://main-window", want: true},
		{name: "unknown origin", origin: "https://evil.com", want: false},
		{name: "unparseable origin", origin: "http://%zz", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://localhost/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := handler.checkOrigin(req); got != tc.want {
				t.Errorf("checkOrigin(origin=%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestPreAuthBudget(t *testing.T) {
	budget := newPreAuthBudget(2, 3)

	for i := 0; i < 2; i++ {
		if !budget.reserve("1.1.1.1") {
			t.Fatalf("reservation %d on 1.1.1.1 failed, want success", i+1)
		}
	}
	if budget.reserve("1.1.1.1") {
		t.Fatal("third reservation on 1.1.1.1 succeeded, want per-IP cap to apply")
	}

	if !budget.reserve("2.2.2.2") {
		t.Fatal("reservation on 2.2.2.2 failed, want success")
	}
	if budget.reserve("3.3.3.3") {
		t.Fatal("reservation on 3.3.3.3 succeeded, want global cap to apply")
	}

	budget.releaseReservation("1.1.1.1")
	if !budget.reserve("3.3.3.3") {
		t.Fatal("reservation after release failed, want success")
	}

	budget.releaseReservation("1.1.1.1")
	budget.releaseReservation("2.2.2.2")
	budget.releaseReservation("3.3.3.3")
	if !budget.reserve("1.1.1.1") {
		t.Fatal("reservation after full drain failed, want success")
	}
}
