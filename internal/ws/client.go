package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/frisksitron/lobby-sub000/internal/auth"
	"github.com/frisksitron/lobby-sub000/internal/constants"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/mediaurl"
	"github.com/frisksitron/lobby-sub000/internal/models"
	"github.com/frisksitron/lobby-sub000/internal/sfu"
)

// ClientState is the connection lifecycle. Transitions are one-way:
// Connected -> Identified -> Closing -> Closed, with Closing reachable
// from anywhere before it.
type ClientState int32

const (
	ClientStateConnected  ClientState = iota // socket open, IDENTIFY pending
	ClientStateIdentified                    // authenticated, commands accepted
	ClientStateClosing                       // teardown started
	ClientStateClosed                        // terminal
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side waits for a pong; pingPeriod
	// must stay below it.
	pongWait   = 15 * time.Second
	pingPeriod = 10 * time.Second

	// maxMessageSize is sized for video SDP, the largest inbound frame.
	maxMessageSize = 65536

	registerTimeout = 5 * time.Second

	// messageRateLimit spaces chat messages (5 per second).
	messageRateLimit = 200 * time.Millisecond
)

// rateWindow is a prune-and-count limiter with a penalty cooldown.
// Only touched from the ReadPump goroutine, so no locking.
type rateWindow struct {
	times      []time.Time
	cooldownAt time.Time
}

// tryAcquire records an event at now and reports whether the caller may
// proceed. Reaching limit inside window arms the cooldown and empties
// the window; retryAfter is non-zero whenever ok is false.
func (w *rateWindow) tryAcquire(now time.Time, limit int, window, cooldown time.Duration) (retryAfter time.Duration, ok bool) {
	if now.Before(w.cooldownAt) {
		return time.Until(w.cooldownAt), false
	}

	cutoff := now.Add(-window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)

	if len(w.times) >= limit {
		w.cooldownAt = now.Add(cooldown)
		w.times = w.times[:0]
		return time.Until(w.cooldownAt), false
	}
	return 0, true
}

// Client is one WebSocket connection and its per-connection state.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan *WSMessage
	connCloseOnce sync.Once

	state atomic.Int32

	user      *models.User
	mu        sync.RWMutex // protects status
	status    string       // online, idle, dnd, offline
	sessionID string

	// identifyTimer closes sockets that never complete IDENTIFY. Set once
	// before the pumps start, stopped from handleIdentify or Close.
	identifyTimer *time.Timer

	// preAuthRelease returns the unauthenticated-connection budget slot.
	// Fired exactly once, on identify or on close, whichever comes first.
	preAuthRelease func()
	preAuthOnce    sync.Once

	// DroppedMessages counts frames lost to a full send buffer.
	DroppedMessages int64

	// Limiter state below is only touched from the ReadPump goroutine.
	lastMessage   time.Time
	joinLimiter   rateWindow // voice joins
	toggleLimiter rateWindow // unmute and undeafen toggles
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan *WSMessage, constants.WSClientSendBufferSize),
		status: "online",
	}
	c.state.Store(int32(ClientStateConnected))
	return c
}

// SetPreAuthRelease installs the callback that frees this connection's
// pre-auth budget reservation. Must be called before the pumps start.
func (c *Client) SetPreAuthRelease(fn func()) {
	c.preAuthRelease = fn
}

func (c *Client) releasePreAuth() {
	c.preAuthOnce.Do(func() {
		if c.preAuthRelease != nil {
			c.preAuthRelease()
		}
	})
}

// StartIdentifyTimeout closes the connection if IDENTIFY hasn't completed
// within d. Must be called before the pumps start.
func (c *Client) StartIdentifyTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.identifyTimer = time.AfterFunc(d, func() {
		if c.State() == ClientStateConnected {
			c.sendError(ErrCodeAuthFailed, "Identify timeout", "", 0)
			c.Close()
		}
	})
}

func (c *Client) stopIdentifyTimer() {
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
}

// Close tears the client down exactly once. Repeat calls still make
// sure the socket is closed.
func (c *Client) Close() {
	if !c.transitionTo(ClientStateClosing) {
		c.connCloseOnce.Do(func() { c.conn.Close() })
		return
	}
	c.stopIdentifyTimer()
	c.releasePreAuth()
	c.connCloseOnce.Do(func() { c.conn.Close() })
	c.transitionTo(ClientStateClosed)
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "component", "ws", "user_id", c.getUserID(), "error", err)
			}
			break
		}

		var msg InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("unparseable frame", "component", "ws", "user_id", c.getUserID(), "error", err)
			c.sendError(ErrCodeInvalidRequest, "Malformed frame", "", 0)
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if c.IsClosed() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Send channel closed by the hub.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				slog.Debug("websocket write error", "component", "ws", "user_id", c.getUserID(), "error", err)
				return
			}

		case <-ticker.C:
			if c.IsClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) getUserID() string {
	if c.user != nil {
		return c.user.ID
	}
	return "unknown"
}

// SendHello opens the application-level handshake.
func (c *Client) SendHello() {
	c.send <- &WSMessage{
		Type:    EventHello,
		Payload: HelloPayload{ProtocolVersion: ProtocolVersion},
	}
}

// sendError queues a SERVER_ERROR frame without blocking the read loop.
func (c *Client) sendError(code, message, nonce string, retryAfterMS int64) {
	frame := &WSMessage{
		Type: EventServerError,
		Payload: ErrorPayload{
			Code:         code,
			Message:      message,
			Nonce:        nonce,
			RetryAfterMS: retryAfterMS,
		},
	}
	select {
	case c.send <- frame:
	default:
	}
}

// handleMessage routes inbound frames by their type.
func (c *Client) handleMessage(msg *InboundMessage) {
	switch msg.Type {
	case CmdIdentify:
		c.handleIdentify(msg)
	case CmdSetPresence:
		c.handleSetPresence(msg)
	case CmdTypingStart:
		c.handleTypingStart()
	case CmdMessageSend:
		c.handleMessageSend(msg)
	case CmdVoiceJoin:
		c.handleVoiceJoin(msg)
	case CmdVoiceLeave:
		c.handleVoiceLeave()
	case CmdVoiceState:
		c.handleVoiceState(msg)
	case CmdVoiceSpeaking:
		c.handleVoiceSpeaking(msg)
	case CmdRtcOffer:
		c.handleRtcOffer(msg)
	case CmdRtcAnswer:
		c.handleRtcAnswer(msg)
	case CmdRtcIceCandidate:
		c.handleRtcIceCandidate(msg)
	case CmdScreenShareStart:
		c.handleScreenShareStart()
	case CmdScreenShareStop:
		c.handleScreenShareStop()
	case CmdScreenShareSubscribe:
		c.handleScreenShareSubscribe(msg)
	case CmdScreenShareUnsubscribe:
		c.handleScreenShareUnsubscribe()
	default:
		slog.Debug("unknown command", "component", "ws", "type", msg.Type, "user_id", c.getUserID())
		c.sendError(ErrCodeInvalidRequest, "Unknown command type", msg.Nonce, 0)
	}
}

func (c *Client) handleIdentify(msg *InboundMessage) {
	if c.State() != ClientStateConnected {
		return
	}

	var payload IdentifyPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError(ErrCodeAuthFailed, "Malformed IDENTIFY payload", msg.Nonce, 0)
			c.Close()
			return
		}
	}

	if payload.Token == "" {
		c.sendError(ErrCodeAuthFailed, "Missing token", msg.Nonce, 0)
		c.Close()
		return
	}

	claims, err := c.hub.jwtService.ValidateAccessToken(payload.Token)
	if err != nil {
		code := ErrCodeAuthFailed
		reason := "Invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			code = ErrCodeAuthExpired
			reason = "Token expired"
		}
		slog.Debug("identify rejected", "component", "ws", "error", err)
		c.sendError(code, reason, msg.Nonce, 0)
		c.Close()
		return
	}

	user, err := c.hub.userRepo.FindActiveByID(claims.UserID)
	if err != nil {
		slog.Debug("identify for unknown user", "component", "ws", "user_id", claims.UserID, "error", err)
		c.sendError(ErrCodeAuthFailed, "User not found", msg.Nonce, 0)
		c.Close()
		return
	}

	// Tokens minted before a logout or deactivation carry a stale version.
	if claims.SessionVersion != user.SessionVersion {
		c.sendError(ErrCodeAuthFailed, "Session revoked", msg.Nonce, 0)
		c.Close()
		return
	}

	c.SetUser(user)

	if !c.transitionTo(ClientStateIdentified) {
		return
	}
	c.sessionID = uuid.New().String()
	c.stopIdentifyTimer()
	c.releasePreAuth()

	if payload.Presence != nil {
		switch payload.Presence.Status {
		case "online", "idle", "dnd":
			c.SetStatus(payload.Presence.Status)
		}
	}

	// Registration must finish before READY so the member list the
	// client receives already contains this client.
	done := make(chan struct{})
	select {
	case c.hub.registerSync <- registerRequest{client: c, done: done}:
		select {
		case <-done:
		case <-time.After(registerTimeout):
			slog.Error("registration timeout", "component", "ws", "user_id", c.user.ID)
			return
		}
	case <-time.After(registerTimeout):
		slog.Error("registration send timeout", "component", "ws", "user_id", c.user.ID)
		return
	}

	c.send <- &WSMessage{
		Type: EventReady,
		Payload: ReadyPayload{
			ProtocolVersion: ProtocolVersion,
			SessionID:       c.sessionID,
			User:            NewReadyUser(c.user),
			Members:         c.hub.GetOnlineMembers(),
		},
	}

	slog.Info("client identified", "component", "ws", "user_id", c.user.ID, "session_id", c.sessionID)
}

func (c *Client) handleMessageSend(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload MessageSendPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "Malformed MESSAGE_SEND payload", msg.Nonce, 0)
		return
	}

	content := c.hub.sanitizeMessageContent(payload.Content)
	if content == "" && len(payload.AttachmentIDs) == 0 {
		c.sendError(ErrCodeInvalidRequest, "Message is empty", msg.Nonce, 0)
		return
	}

	if utf8.RuneCountInString(content) > constants.MessageMaxLength {
		c.sendError(ErrCodeMessageTooLong, "Message exceeds maximum length", msg.Nonce, 0)
		return
	}

	if len(payload.AttachmentIDs) > constants.MessageMaxAttachments {
		c.sendError(ErrCodeAttachmentInvalid, "Too many attachments", msg.Nonce, 0)
		return
	}

	now := time.Now()
	if now.Sub(c.lastMessage) < messageRateLimit {
		c.sendError(ErrCodeRateLimited, "Sending too fast", msg.Nonce, messageRateLimit.Milliseconds())
		return
	}
	c.lastMessage = now

	message, err := c.hub.MessageRepo().Create(c.user.ID, content, payload.AttachmentIDs)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.sendError(ErrCodeAttachmentInvalid, "Attachment not found or already claimed", msg.Nonce, 0)
			return
		}
		slog.Error("creating message failed", "component", "ws", "user_id", c.user.ID, "error", err)
		c.sendError(ErrCodeInternal, "Failed to persist message", msg.Nonce, 0)
		return
	}

	c.hub.BroadcastEvent(EventMessageCreate, MessageCreatePayload{
		ID: message.ID,
		Author: &MessageAuthor{
			ID:       c.user.ID,
			Username: c.user.Username,
			Avatar:   c.user.GetAvatarURL(),
		},
		Content:     message.Content,
		Attachments: c.loadAttachments(message.ID),
		CreatedAt:   message.CreatedAt.UTC().Format(time.RFC3339Nano),
		Nonce:       msg.Nonce,
	})
}

// loadAttachments maps the claimed blob rows of a message onto wire
// attachments with public media URLs.
func (c *Client) loadAttachments(messageID string) []MessageAttachment {
	rows, err := c.hub.MessageRepo().ListAttachmentsByMessageIDs([]string{messageID})
	if err != nil {
		slog.Error("listing attachments failed", "component", "ws", "message_id", messageID, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	baseURL := ""
	if c.hub.cfg != nil {
		baseURL = c.hub.cfg.Server.BaseURL
	}

	attachments := make([]MessageAttachment, 0, len(rows))
	for _, row := range rows {
		att := MessageAttachment{
			ID:       row.ID,
			Name:     row.OriginalName,
			MimeType: row.MimeType,
			Size:     row.SizeBytes,
			URL:      mediaurl.Blob(baseURL, row.ID),
		}
		if row.PreviewStoragePath != nil {
			att.PreviewURL = mediaurl.BlobPreview(baseURL, row.ID)
			if row.PreviewWidth != nil {
				att.PreviewWidth = int(*row.PreviewWidth)
			}
			if row.PreviewHeight != nil {
				att.PreviewHeight = int(*row.PreviewHeight)
			}
		}
		attachments = append(attachments, att)
	}
	return attachments
}

func (c *Client) handleSetPresence(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload SetPresencePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "Malformed SET_PRESENCE payload", msg.Nonce, 0)
		return
	}

	switch payload.Status {
	case "online", "idle", "dnd", "offline":
		c.SetStatus(payload.Status)
	default:
		c.sendError(ErrCodeInvalidRequest, "Unknown presence status", msg.Nonce, 0)
		return
	}

	c.hub.BroadcastEvent(EventPresenceUpdate, PresenceUpdatePayload{
		UserID: c.user.ID,
		Status: c.GetStatus(),
	})
}

func (c *Client) handleTypingStart() {
	if !c.IsIdentified() {
		return
	}

	c.hub.BroadcastEventExcept(EventTypingStart, TypingStartPayload{
		UserID:    c.user.ID,
		Username:  c.user.Username,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, c)
}

// SetUser sets the authenticated user for this client.
func (c *Client) SetUser(user *models.User) {
	c.user = user
}

func (c *Client) GetStatus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) SetStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) IsIdentified() bool {
	return c.State() == ClientStateIdentified
}

func (c *Client) IsClosed() bool {
	state := c.State()
	return state == ClientStateClosing || state == ClientStateClosed
}

func isValidClientTransition(from, to ClientState) bool {
	switch from {
	case ClientStateConnected:
		return to == ClientStateIdentified || to == ClientStateClosing
	case ClientStateIdentified:
		return to == ClientStateClosing
	case ClientStateClosing:
		return to == ClientStateClosed
	}
	return false
}

// transitionTo moves the lifecycle forward, retrying on CAS races.
func (c *Client) transitionTo(newState ClientState) bool {
	for {
		current := ClientState(c.state.Load())
		if !isValidClientTransition(current, newState) {
			return false
		}
		if c.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}

// CloseSend closes the send channel. Only the hub calls this, during
// unregister or shutdown, when no more frames will be queued.
func (c *Client) CloseSend() {
	if c.transitionTo(ClientStateClosing) {
		close(c.send)
		c.stopIdentifyTimer()
		c.releasePreAuth()
		c.connCloseOnce.Do(func() { c.conn.Close() })
		c.transitionTo(ClientStateClosed)
	}
}

func (c *Client) handleVoiceJoin(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	limit, window, cooldown := c.hub.voiceJoinPolicy()
	if retryAfter, ok := c.joinLimiter.tryAcquire(time.Now(), limit, window, cooldown); !ok {
		c.sendError(ErrCodeVoiceJoinCooldown, "Joining too fast, slow down", msg.Nonce, retryAfter.Milliseconds())
		return
	}

	var payload VoiceJoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError(ErrCodeInvalidRequest, "Malformed VOICE_JOIN payload", msg.Nonce, 0)
			return
		}
	}

	if err := c.hub.BeginVoiceJoin(c.user.ID, payload.Muted, payload.Deafened); err != nil {
		c.sendError(ErrCodeVoiceStateInvalidTransition, "Already joining or in voice", msg.Nonce, 0)
		return
	}

	if sfuInst := c.hub.GetSFU(); sfuInst != nil {
		if _, err := sfuInst.AddPeer(c.user.ID); err != nil {
			slog.Error("creating SFU peer failed", "component", "ws", "user_id", c.user.ID, "error", err)
			c.hub.RemoveUserFromVoice(c.user.ID)
			c.sendError(ErrCodeVoiceJoinFailed, "Failed to join voice", msg.Nonce, 0)
			return
		}
	}

	iceServers := []ICEServerInfo{}
	if cfg := c.hub.GetSFUConfig(); cfg != nil {
		for _, s := range sfu.BuildICEServers(cfg.TURN, c.user.ID) {
			iceServers = append(iceServers, ICEServerInfo{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}

	// RTC_READY first so the client can install its signaling listeners
	// before the offer lands.
	c.hub.SendEventToUser(c.user.ID, EventRtcReady, RtcReadyPayload{
		ICEServers: iceServers,
	})

	// The server makes the first offer so it is always the ICE
	// controlling agent.
	if sfuInst := c.hub.GetSFU(); sfuInst != nil {
		if err := sfuInst.SendInitialOffer(c.user.ID); err != nil {
			slog.Error("initial offer failed", "component", "ws", "user_id", c.user.ID, "error", err)
		}
	}

	// in_voice=true goes out when the first answer activates the session,
	// not here.
	slog.Info("voice join started", "component", "ws", "user_id", c.user.ID, "muted", payload.Muted, "deafened", payload.Deafened)
}

func (c *Client) handleVoiceLeave() {
	if !c.IsIdentified() {
		return
	}

	session, ok := c.hub.RemoveUserFromVoice(c.user.ID)
	if !ok {
		// Idempotent: leaving while not in voice is a no-op.
		return
	}

	c.hub.cleanupVoiceForUser(c.user.ID, session.State == VoiceLifecycleActive)
	slog.Info("user left voice", "component", "ws", "user_id", c.user.ID)
}

func (c *Client) handleRtcOffer(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload RtcOfferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == "" {
		c.sendError(ErrCodeInvalidRequest, "Missing SDP in RTC_OFFER", msg.Nonce, 0)
		return
	}

	answerSDP, err := c.hub.HandleRtcOffer(c.user.ID, payload.SDP)
	if err != nil {
		// Already mapped to a SERVER_ERROR by the hub.
		slog.Debug("rtc offer rejected", "component", "ws", "user_id", c.user.ID, "error", err)
		return
	}

	// Empty answer means the offer was ignored: glare, and the server is
	// the impolite peer with its own offer in flight.
	if answerSDP == "" {
		return
	}

	c.hub.SendEventToUser(c.user.ID, EventRtcAnswer, RtcAnswerPayload{
		SDP: answerSDP,
	})
}

func (c *Client) handleRtcAnswer(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload RtcAnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == "" {
		c.sendError(ErrCodeInvalidRequest, "Missing SDP in RTC_ANSWER", msg.Nonce, 0)
		return
	}

	if err := c.hub.HandleRtcAnswer(c.user.ID, payload.SDP); err != nil {
		slog.Debug("rtc answer rejected", "component", "ws", "user_id", c.user.ID, "error", err)
		return
	}
}

func (c *Client) handleRtcIceCandidate(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload RtcIceCandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Candidate == "" {
		c.sendError(ErrCodeInvalidRequest, "Missing candidate in RTC_ICE_CANDIDATE", msg.Nonce, 0)
		return
	}

	if err := c.hub.HandleRtcIceCandidate(c.user.ID, payload.Candidate, payload.SDPMid, payload.SDPMLineIndex); err != nil {
		slog.Debug("ice candidate rejected", "component", "ws", "user_id", c.user.ID, "error", err)
		return
	}
}

func (c *Client) handleVoiceState(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload VoiceStatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "Malformed VOICE_STATE payload", msg.Nonce, 0)
		return
	}

	if payload.Muted == nil && payload.Deafened == nil {
		return
	}

	// Only unmute and undeafen are throttled; muting and deafening
	// always go through.
	currentState := c.hub.GetUserVoiceState(c.user.ID)
	isUnmuting := payload.Muted != nil && !*payload.Muted && currentState != nil && currentState.Muted
	isUndeafening := payload.Deafened != nil && !*payload.Deafened && currentState != nil && currentState.Deafened

	if isUnmuting || isUndeafening {
		limit, window, cooldown := c.hub.voiceTogglePolicy()
		if retryAfter, ok := c.toggleLimiter.tryAcquire(time.Now(), limit, window, cooldown); !ok {
			c.sendError(ErrCodeVoiceStateCooldown, "Too many toggles, try again in a moment", msg.Nonce, retryAfter.Milliseconds())
			return
		}
	}

	// Only an Active session takes flag changes.
	newState := c.hub.UpdateUserVoiceState(c.user.ID, payload.Muted, payload.Deafened)
	if newState == nil {
		c.sendError(ErrCodeVoiceNotInChannel, "Not in voice", msg.Nonce, 0)
		return
	}

	c.hub.BroadcastEvent(EventVoiceStateUpdate, VoiceStateUpdatePayload{
		UserID:   c.user.ID,
		InVoice:  true,
		Muted:    newState.Muted,
		Deafened: newState.Deafened,
	})
}

func (c *Client) handleVoiceSpeaking(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload VoiceSpeakingSetPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "Malformed VOICE_SPEAKING payload", msg.Nonce, 0)
		return
	}

	// Speaking is transient and unthrottled; only honored while in voice.
	if c.hub.GetUserVoiceState(c.user.ID) == nil {
		return
	}

	c.hub.BroadcastEvent(EventVoiceSpeaking, VoiceSpeakingPayload{
		UserID:   c.user.ID,
		Speaking: payload.Speaking,
	})
}

func (c *Client) handleScreenShareStart() {
	if !c.IsIdentified() {
		return
	}

	if c.hub.GetUserVoiceState(c.user.ID) == nil {
		c.sendError(ErrCodeVoiceNotInChannel, "Must be in voice to screen share", "", 0)
		return
	}

	sm := c.hub.GetScreenShareManager()
	if sm == nil {
		return
	}

	// Register as sharing, then renegotiate so the client can flip its
	// video direction to sendrecv and attach the track.
	sm.StartShare(c.user.ID)

	if sfuInst := c.hub.GetSFU(); sfuInst != nil {
		sfuInst.TriggerRenegotiation(c.user.ID)
	}
	slog.Info("screen share requested", "component", "ws", "user_id", c.user.ID)
}

func (c *Client) handleScreenShareStop() {
	if !c.IsIdentified() {
		return
	}

	sm := c.hub.GetScreenShareManager()
	if sm == nil {
		return
	}

	sm.StopShare(c.user.ID)
	slog.Info("screen share stopped", "component", "ws", "user_id", c.user.ID)
}

func (c *Client) handleScreenShareSubscribe(msg *InboundMessage) {
	if !c.IsIdentified() {
		return
	}

	var payload ScreenShareSubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.StreamerID == "" {
		c.sendError(ErrCodeInvalidRequest, "Missing streamer_id", msg.Nonce, 0)
		return
	}

	sm := c.hub.GetScreenShareManager()
	if sm == nil {
		return
	}

	if err := sm.Subscribe(c.user.ID, payload.StreamerID); err != nil {
		slog.Debug("screen share subscribe failed", "component", "ws", "user_id", c.user.ID, "streamer_id", payload.StreamerID, "error", err)
	}
}

func (c *Client) handleScreenShareUnsubscribe() {
	if !c.IsIdentified() {
		return
	}

	sm := c.hub.GetScreenShareManager()
	if sm == nil {
		return
	}

	sm.Unsubscribe(c.user.ID)
}
