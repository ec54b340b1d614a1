package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/frisksitron/lobby-sub000/internal/config"
	"github.com/frisksitron/lobby-sub000/internal/ws"
)

type WebSocketHandler struct {
	hub        *ws.Hub
	cfg        config.WebSocketConfig
	budget     *preAuthBudget
	ipResolver *ClientIPResolver
	upgrader   websocket.Upgrader
}

func NewWebSocketHandler(hub *ws.Hub, cfg config.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:    hub,
		cfg:    cfg,
		budget: newPreAuthBudget(cfg.MaxUnauthenticatedPerIP, cfg.MaxUnauthenticatedGlobal),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// GET /ws
//
// The upgrade itself is unauthenticated; the client must IDENTIFY within
// the configured window or the connection is dropped. Admission is capped
// per IP and globally so unidentified sockets can't pile up.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)
	if !h.budget.reserve(ip) {
		writeError(w, http.StatusServiceUnavailable, ErrCodeRateLimitExceeded, "Too many pending connections")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.budget.releaseReservation(ip)
		slog.Warn("websocket upgrade failed", "component", "ws", "error", err, "ip", ip)
		return
	}

	client := ws.NewClient(h.hub, conn)
	client.SetPreAuthRelease(func() {
		h.budget.releaseReservation(ip)
	})
	client.SendHello()
	client.StartIdentifyTimeout(h.cfg.UnauthenticatedTimeout)

	go client.WritePump()
	go client.ReadPump()
}

func (h *WebSocketHandler) clientIP(r *http.Request) string {
	if h.ipResolver != nil {
		return h.ipResolver.Resolve(r)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// checkOrigin admits browsers from the configured allowlist, loopback
// origins for local development, and clients that send no Origin at all
// (native apps and CLI tools).
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	if isLoopbackOrigin(origin) {
		return true
	}

	for _, allowed := range h.cfg.AllowedOrigins {
		if originMatchesAllowed(origin, allowed) {
			return true
		}
	}

	return false
}

// originMatchesAllowed supports exact entries and a single trailing `*`
// wildcard ("app://*" matches any app:// origin).
func originMatchesAllowed(origin, allowed string) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return false
	}
	if strings.HasSuffix(allowed, "*") {
		return strings.HasPrefix(origin, strings.TrimSuffix(allowed, "*"))
	}
	return origin == allowed
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// preAuthBudget caps concurrent unidentified connections. Reservations
// are taken before the upgrade and released when the socket identifies
// or closes.
type preAuthBudget struct {
	mu       sync.Mutex
	perIP    map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newPreAuthBudget(maxPerIP, maxTotal int) *preAuthBudget {
	return &preAuthBudget{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

func (b *preAuthBudget) reserve(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total >= b.maxTotal {
		return false
	}
	if b.perIP[ip] >= b.maxPerIP {
		return false
	}

	b.perIP[ip]++
	b.total++
	return true
}

func (b *preAuthBudget) releaseReservation(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count, ok := b.perIP[ip]; ok {
		if count <= 1 {
			delete(b.perIP, ip)
		} else {
			b.perIP[ip] = count - 1
		}
	}
	if b.total > 0 {
		b.total--
	}
}
