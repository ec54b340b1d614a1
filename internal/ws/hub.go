package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/frisksitron/lobby-sub000/internal/auth"
	"github.com/frisksitron/lobby-sub000/internal/config"
	"github.com/frisksitron/lobby-sub000/internal/constants"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/sfu"
)

var errSFUNotInitialized = errors.New("SFU not initialized")

// registerRequest pairs a client with a done channel so registration
// can block until the hub owns the client.
type registerRequest struct {
	client *Client
	done   chan struct{}
}

type Hub struct {
	clients       map[*Client]bool
	userClients   map[string]*Client
	voiceSessions map[string]*VoiceSession
	broadcast     chan *WSMessage
	registerSync  chan registerRequest
	unregister    chan *Client
	shutdown      chan struct{}
	jwtService    *auth.JWTService
	userRepo      *db.UserRepository
	messageRepo   *db.MessageRepository
	sfu           *sfu.SFU
	cfg           *config.Config
	sanitizer     *bluemonday.Policy
	mu            sync.RWMutex
}

func NewHub(jwtService *auth.JWTService, userRepo *db.UserRepository, messageRepo *db.MessageRepository, cfg *config.Config) (*Hub, error) {
	h := &Hub{
		clients:       make(map[*Client]bool),
		userClients:   make(map[string]*Client),
		voiceSessions: make(map[string]*VoiceSession),
		broadcast:     make(chan *WSMessage, constants.WSBroadcastBufferSize),
		registerSync:  make(chan registerRequest),
		unregister:    make(chan *Client),
		shutdown:      make(chan struct{}),
		jwtService:    jwtService,
		userRepo:      userRepo,
		messageRepo:   messageRepo,
		cfg:           cfg,
		sanitizer:     bluemonday.StrictPolicy(),
	}

	sfuConfig := &sfu.Config{
		PublicIP: cfg.SFU.PublicIP,
		MinPort:  cfg.SFU.MinPort,
		MaxPort:  cfg.SFU.MaxPort,
	}
	if cfg.SFU.TURN.Host != "" {
		sfuConfig.STUNUrl = fmt.Sprintf("stun:%s:%d", cfg.SFU.TURN.Host, cfg.SFU.TURN.Port)
	}

	sfuInstance, err := sfu.New(sfuConfig)
	if err != nil {
		return nil, fmt.Errorf("creating SFU: %w", err)
	}
	h.sfu = sfuInstance
	h.sfu.SetSignalFunc(h.handleSfuSignal)
	h.sfu.ScreenShare().SetUpdateCallback(h.handleScreenShareUpdate)
	slog.Info("sfu engine ready", "component", "hub")

	return h, nil
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.closeAllClients()
			if h.sfu != nil {
				h.sfu.Close()
			}
			slog.Info("hub stopped", "component", "hub")
			return

		case req := <-h.registerSync:
			h.handleRegister(req)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				h.sendToClientLocked(client, message)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.CloseSend()
		delete(h.clients, client)
	}
}

// handleRegister installs the client, evicting any previous connection
// for the same user. Only a user's first connection announces a join.
func (h *Hub) handleRegister(req registerRequest) {
	h.mu.Lock()
	h.clients[req.client] = true
	replacedVoice := false
	freshlyOnline := false
	var userID string
	if req.client.user != nil {
		userID = req.client.user.ID
		old, hadOld := h.userClients[userID]
		if hadOld && old != req.client {
			// Tell the old connection not to retry before it goes.
			select {
			case old.send <- &WSMessage{Type: EventServerError, Payload: ErrorPayload{
				Code:    ErrCodeAuthFailed,
				Message: "Session superseded by a new connection",
			}}:
			default:
			}
			if _, inVoice := h.voiceSessions[userID]; inVoice {
				replacedVoice = true
			}
			old.Close()
			delete(h.clients, old)
		}
		freshlyOnline = !hadOld
		h.userClients[userID] = req.client
	}
	h.mu.Unlock()

	// The replaced connection's voice session dies with it; the new
	// connection joins voice from scratch.
	if replacedVoice {
		if session, ok := h.RemoveUserFromVoice(userID); ok {
			h.cleanupVoiceForUser(userID, session.State == VoiceLifecycleActive)
		}
	}

	close(req.done)

	if req.client.user != nil && freshlyOnline {
		h.BroadcastEventExcept(EventUserJoined, UserJoinedPayload{
			Member: MemberState{
				ID:        req.client.user.ID,
				Username:  req.client.user.Username,
				Avatar:    req.client.user.GetAvatarURL(),
				Status:    req.client.GetStatus(),
				CreatedAt: req.client.user.CreatedAt,
			},
		}, req.client)
	}
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	wasInVoice := false
	wasActiveClient := false
	var userID string
	if client.user != nil {
		userID = client.user.ID
		wasActiveClient = h.userClients[userID] == client
		// Voice teardown belongs to the active connection. A client
		// that registerSync already replaced lost its session there.
		if wasActiveClient {
			if _, inVoice := h.voiceSessions[userID]; inVoice {
				wasInVoice = true
			}
		}
	}
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if client.user != nil && h.userClients[client.user.ID] == client {
			delete(h.userClients, client.user.ID)
		}
		client.CloseSend()
	}
	h.mu.Unlock()

	if wasInVoice {
		if session, ok := h.RemoveUserFromVoice(userID); ok {
			h.cleanupVoiceForUser(userID, session.State == VoiceLifecycleActive)
		}
	}

	if client.user != nil && wasActiveClient {
		h.broadcastPresenceUpdate(client.user.ID, "offline", nil)
		h.BroadcastEvent(EventUserLeft, UserLeftPayload{
			UserID: client.user.ID,
		})
	}
}

// sendToClientLocked queues msg without blocking. Caller holds h.mu in
// at least read mode.
func (h *Hub) sendToClientLocked(client *Client, msg *WSMessage) {
	if !client.IsIdentified() {
		return
	}
	select {
	case client.send <- msg:
	default:
		dropped := atomic.AddInt64(&client.DroppedMessages, 1)
		userID := "unknown"
		if client.user != nil {
			userID = client.user.ID
		}

		if dropped%10 == 1 {
			slog.Warn("send queue full, dropping frames", "component", "hub", "dropped", dropped, "user_id", userID)
		}

		if dropped >= constants.WSMaxDroppedMessages {
			slog.Warn("closing client that cannot keep up", "component", "hub", "user_id", userID, "dropped", dropped)
			// The client's pumps finish the close.
			client.Close()
		}
	}
}

func (h *Hub) Broadcast(msg *WSMessage) {
	h.broadcast <- msg
}

// BroadcastEvent fans a typed frame out to every identified client.
func (h *Hub) BroadcastEvent(eventType string, payload any) {
	h.broadcast <- &WSMessage{Type: eventType, Payload: payload}
}

// BroadcastEventExcept sends an event to every identified client but
// except, which may be nil.
func (h *Hub) BroadcastEventExcept(eventType string, payload any, except *Client) {
	msg := &WSMessage{Type: eventType, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client == except {
			continue
		}
		h.sendToClientLocked(client, msg)
	}
}

func (h *Hub) SendToUser(userID string, msg *WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if client, ok := h.userClients[userID]; ok {
		h.sendToClientLocked(client, msg)
	}
}

// SendEventToUser sends a typed frame to one user's client, if online.
func (h *Hub) SendEventToUser(userID string, eventType string, payload any) {
	h.SendToUser(userID, &WSMessage{Type: eventType, Payload: payload})
}

func (h *Hub) GetOnlineMembers() []MemberState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]MemberState, 0, len(h.clients))
	for client := range h.clients {
		if !client.IsIdentified() {
			continue
		}
		members = append(members, h.memberStateLocked(client))
	}
	return members
}

// memberStateLocked assembles the roster entry for an identified
// client. Joining voice sessions read as not in voice; only activation
// flips the flag. Caller holds h.mu.
func (h *Hub) memberStateLocked(client *Client) MemberState {
	inVoice := false
	muted := false
	deafened := false
	if session, ok := h.voiceSessions[client.user.ID]; ok && session.State == VoiceLifecycleActive {
		inVoice = true
		muted = session.Muted
		deafened = session.Deafened
	}

	streaming := false
	if h.sfu != nil {
		streaming = h.sfu.ScreenShare().IsStreaming(client.user.ID)
	}

	return MemberState{
		ID:        client.user.ID,
		Username:  client.user.Username,
		Avatar:    client.user.GetAvatarURL(),
		Status:    client.GetStatus(),
		InVoice:   inVoice,
		Muted:     muted,
		Deafened:  deafened,
		Streaming: streaming,
		CreatedAt: client.user.CreatedAt,
	}
}

func (h *Hub) GetClient(userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userClients[userID]
}

func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.userClients[userID]
	return ok
}

// MemberCount reports how many identified clients are connected.
func (h *Hub) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients)
}

// CloseUserClient force-closes a user's live connection, sending a final
// SERVER_ERROR first. Used when a session is invalidated out-of-band
// (logout, deactivation).
func (h *Hub) CloseUserClient(userID string, code, message string) {
	h.mu.RLock()
	client, ok := h.userClients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case client.send <- &WSMessage{Type: EventServerError, Payload: ErrorPayload{Code: code, Message: message}}:
	default:
	}
	client.Close()
}

func (h *Hub) broadcastPresenceUpdate(userID string, status string, except *Client) {
	h.BroadcastEventExcept(EventPresenceUpdate, PresenceUpdatePayload{
		UserID: userID,
		Status: status,
	}, except)

	slog.Debug("presence broadcast", "component", "hub", "user_id", userID, "status", status)
}

func (h *Hub) MessageRepo() *db.MessageRepository {
	return h.messageRepo
}

func (h *Hub) UserRepo() *db.UserRepository {
	return h.userRepo
}

func (h *Hub) GetSFU() *sfu.SFU {
	return h.sfu
}

func (h *Hub) GetSFUConfig() *config.SFUConfig {
	if h.cfg == nil {
		return nil
	}
	return &h.cfg.SFU
}

// GetScreenShareManager returns the screen share manager, or nil when the
// hub was built without an SFU.
func (h *Hub) GetScreenShareManager() *sfu.ScreenShareManager {
	if h.sfu == nil {
		return nil
	}
	return h.sfu.ScreenShare()
}

// sanitizeMessageContent strips markup from user-provided chat content.
func (h *Hub) sanitizeMessageContent(content string) string {
	if h.sanitizer == nil {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(h.sanitizer.Sanitize(content))
}

func (h *Hub) voiceJoinPolicy() (limit int, window, cooldown time.Duration) {
	if h.cfg != nil {
		return h.cfg.Voice.JoinLimit, h.cfg.Voice.JoinWindow, h.cfg.Voice.JoinCooldown
	}
	return 3, 15 * time.Second, 15 * time.Second
}

func (h *Hub) voiceTogglePolicy() (limit int, window, cooldown time.Duration) {
	if h.cfg != nil {
		return h.cfg.Voice.ToggleLimit, h.cfg.Voice.ToggleWindow, h.cfg.Voice.ToggleCooldown
	}
	return 5, 5 * time.Second, 10 * time.Second
}

func (h *Hub) HandleRtcOffer(userID string, sdp string) (string, error) {
	if h.sfu == nil {
		return "", errSFUNotInitialized
	}
	answer, err := h.sfu.HandleOffer(userID, sdp)
	if err != nil {
		h.handleSfuError(userID, err)
		return "", err
	}
	return answer, nil
}

func (h *Hub) HandleRtcAnswer(userID string, sdp string) error {
	if h.sfu == nil {
		return errSFUNotInitialized
	}
	if err := h.sfu.HandleAnswer(userID, sdp); err != nil {
		h.handleSfuError(userID, err)
		return err
	}

	// The first answer completes the join handshake: the session becomes
	// Active and in_voice=true goes out to the room.
	if h.GetVoiceLifecycleState(userID) == VoiceLifecycleJoining {
		state, err := h.ActivateVoiceSession(userID)
		if err != nil {
			slog.Warn("voice session activation failed", "component", "hub", "user_id", userID, "error", err)
		} else {
			h.BroadcastEvent(EventVoiceStateUpdate, VoiceStateUpdatePayload{
				UserID:   userID,
				InVoice:  true,
				Muted:    state.Muted,
				Deafened: state.Deafened,
			})
		}
	}

	// Renegotiation answered; fire any keyframe request parked for this
	// viewer.
	h.sfu.ScreenShare().OnRenegotiationComplete(userID)
	return nil
}

func (h *Hub) HandleRtcIceCandidate(userID string, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	if h.sfu == nil {
		return errSFUNotInitialized
	}
	if err := h.sfu.HandleICECandidate(userID, candidate, sdpMid, sdpMLineIndex); err != nil {
		h.handleSfuError(userID, err)
		return err
	}
	return nil
}

// handleSfuError maps categorized SFU errors to wire errors for the user.
func (h *Hub) handleSfuError(userID string, err error) {
	var peerErr *sfu.PeerError
	if !errors.As(err, &peerErr) {
		slog.Error("uncategorized sfu error", "component", "hub", "user_id", userID, "error", err)
		return
	}

	switch peerErr.Kind {
	case sfu.ErrKindPeerClosed:
		// Normal closure, nothing to report.
	case sfu.ErrKindTransient:
		slog.Warn("sfu error, client may retry", "component", "hub", "user_id", userID, "error", err)
		h.SendEventToUser(userID, EventServerError, ErrorPayload{
			Code:    ErrCodeVoiceNegotiationFailed,
			Message: "Negotiation failed, retry shortly",
		})
	case sfu.ErrKindFatal:
		slog.Error("sfu error, dropping peer", "component", "hub", "user_id", userID, "error", err)
		h.SendEventToUser(userID, EventServerError, ErrorPayload{
			Code:    ErrCodeVoiceNegotiationInvalidState,
			Message: "Voice connection is in an invalid state",
		})
		h.sfu.RemovePeer(userID)
	}
}

// handleSfuSignal is the SFU's window back into the socket: RTC_OFFER and
// RTC_ICE_CANDIDATE frames addressed to a single user.
func (h *Hub) handleSfuSignal(userID string, eventType string, payload any) {
	h.SendEventToUser(userID, eventType, payload)
}

func (h *Hub) handleScreenShareUpdate(userID string, streaming bool) {
	h.BroadcastEvent(EventScreenShareUpdate, ScreenShareUpdatePayload{
		UserID:    userID,
		Streaming: streaming,
	})
}

// cleanupVoiceForUser tears down SFU peer and screen share state, and
// broadcasts the voice-leave when the session had been announced. Runs
// without h.mu held; the SFU takes its own locks.
func (h *Hub) cleanupVoiceForUser(userID string, announce bool) {
	if h.sfu != nil {
		h.sfu.ScreenShare().OnUserDisconnect(userID)
		h.sfu.RemovePeer(userID)
	}
	if announce {
		h.BroadcastEvent(EventVoiceStateUpdate, VoiceStateUpdatePayload{
			UserID:   userID,
			InVoice:  false,
			Muted:    false,
			Deafened: false,
		})
	}
}

func (h *Hub) Shutdown() {
	close(h.shutdown)
}
