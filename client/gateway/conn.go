// Package gateway maintains the realtime session with the server: it
// dials /ws, performs the HELLO -> IDENTIFY -> READY handshake, then
// dispatches typed events to registered handlers. SERVER_ERROR frames
// carrying a nonce are routed back to the operation that sent it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	// The server pings every 10s; three missed pings means the link is dead.
	readWait  = 35 * time.Second
	writeWait = 10 * time.Second

	// Sized for video SDP, same as the server's inbound limit.
	maxMessageSize = 65536
)

// ErrConnClosed is returned by send methods after Close.
var ErrConnClosed = errors.New("gateway: connection closed")

// HandshakeError reports a SERVER_ERROR received before READY, typically
// AUTH_FAILED or AUTH_EXPIRED.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway: handshake rejected: %s: %s", e.Code, e.Message)
}

// Handlers receives server events. Nil fields are skipped. All handlers
// run on the single read-loop goroutine, so they must not block.
type Handlers struct {
	OnPresenceUpdate    func(PresenceUpdate)
	OnUserJoined        func(UserJoined)
	OnUserLeft          func(UserLeft)
	OnUserUpdate        func(UserUpdate)
	OnTypingStart       func(TypingStart)
	OnMessageCreate     func(MessageCreate)
	OnVoiceStateUpdate  func(VoiceStateUpdate)
	OnVoiceSpeaking     func(VoiceSpeaking)
	OnRtcReady          func(RtcReady)
	OnRtcOffer          func(RtcOffer)
	OnRtcAnswer         func(RtcAnswer)
	OnRtcIceCandidate   func(RtcIceCandidate)
	OnScreenShareUpdate func(ScreenShareUpdate)
	OnServerUpdate      func(ServerUpdate)

	// OnServerError receives errors that no pending nonce claims.
	OnServerError func(ServerError)

	// OnClosed fires exactly once when the connection terminates. err is
	// nil for a local Close, non-nil when the link dropped.
	OnClosed func(err error)
}

type Options struct {
	// URL is the websocket endpoint, e.g. "wss://host/ws".
	URL   string
	Token string

	// Presence is the initial status sent with IDENTIFY (default online).
	Presence string

	HandshakeTimeout time.Duration
}

// Conn is an identified gateway session.
type Conn struct {
	ws       *websocket.Conn
	handlers Handlers
	ready    Ready

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]func(ServerError)

	closedByUser atomic.Bool
	closeOnce    sync.Once
	done         chan struct{}
}

// Dial connects, completes the handshake, and starts the read loop.
func Dial(ctx context.Context, opts Options, handlers Handlers) (*Conn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	c := &Conn{
		ws:       ws,
		handlers: handlers,
		pending:  make(map[string]func(ServerError)),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	deadline := time.Now().Add(opts.HandshakeTimeout)

	if err := c.handshake(opts, deadline); err != nil {
		_ = ws.Close()
		return nil, err
	}

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	go c.readLoop()

	return c, nil
}

func (c *Conn) handshake(opts Options, deadline time.Time) error {
	_ = c.ws.SetReadDeadline(deadline)

	var hello Hello
	frame, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("reading HELLO: %w", err)
	}
	if frame.Type != EventHello {
		return fmt.Errorf("expected HELLO, got %s", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return fmt.Errorf("decoding HELLO: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: server %d, client %d", hello.ProtocolVersion, ProtocolVersion)
	}

	identify := identifyPayload{Token: opts.Token}
	if opts.Presence != "" {
		identify.Presence = &presenceOptions{Status: opts.Presence}
	}
	if err := c.send(CmdIdentify, identify, ""); err != nil {
		return fmt.Errorf("sending IDENTIFY: %w", err)
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return fmt.Errorf("awaiting READY: %w", err)
		}
		switch frame.Type {
		case EventReady:
			if err := json.Unmarshal(frame.Payload, &c.ready); err != nil {
				return fmt.Errorf("decoding READY: %w", err)
			}
			return nil
		case EventServerError:
			var serr ServerError
			if err := json.Unmarshal(frame.Payload, &serr); err != nil {
				return fmt.Errorf("decoding SERVER_ERROR: %w", err)
			}
			return &HandshakeError{Code: serr.Code, Message: serr.Message}
		default:
			// Broadcasts queued behind READY are replayed by the caller's
			// handlers after Dial returns; anything earlier is skipped.
		}
	}
}

func (c *Conn) readFrame() (*Frame, error) {
	var frame Frame
	if err := c.ws.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Ready returns the READY payload captured during the handshake.
func (c *Conn) Ready() Ready {
	return c.ready
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. OnClosed fires with a nil error.
func (c *Conn) Close() error {
	c.closedByUser.Store(true)

	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)

	return c.ws.Close()
}

func (c *Conn) readLoop() {
	var loopErr error
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		frame, err := c.readFrame()
		if err != nil {
			if !c.closedByUser.Load() {
				loopErr = err
			}
			break
		}
		c.dispatch(frame)
	}

	_ = c.ws.Close()
	close(c.done)
	c.closeOnce.Do(func() {
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(loopErr)
		}
	})
}

func (c *Conn) dispatch(frame *Frame) {
	switch frame.Type {
	case EventPresenceUpdate:
		dispatchPayload(frame, c.handlers.OnPresenceUpdate)
	case EventUserJoined:
		dispatchPayload(frame, c.handlers.OnUserJoined)
	case EventUserLeft:
		dispatchPayload(frame, c.handlers.OnUserLeft)
	case EventUserUpdate:
		dispatchPayload(frame, c.handlers.OnUserUpdate)
	case EventTypingStart:
		dispatchPayload(frame, c.handlers.OnTypingStart)
	case EventMessageCreate:
		dispatchPayload(frame, c.handlers.OnMessageCreate)
	case EventVoiceStateUpdate:
		dispatchPayload(frame, c.handlers.OnVoiceStateUpdate)
	case EventVoiceSpeaking:
		dispatchPayload(frame, c.handlers.OnVoiceSpeaking)
	case EventRtcReady:
		dispatchPayload(frame, c.handlers.OnRtcReady)
	case EventRtcOffer:
		dispatchPayload(frame, c.handlers.OnRtcOffer)
	case EventRtcAnswer:
		dispatchPayload(frame, c.handlers.OnRtcAnswer)
	case EventRtcIceCandidate:
		dispatchPayload(frame, c.handlers.OnRtcIceCandidate)
	case EventScreenShareUpdate:
		dispatchPayload(frame, c.handlers.OnScreenShareUpdate)
	case EventServerUpdate:
		dispatchPayload(frame, c.handlers.OnServerUpdate)
	case EventServerError:
		var serr ServerError
		if err := json.Unmarshal(frame.Payload, &serr); err != nil {
			slog.Warn("malformed SERVER_ERROR payload", "component", "gateway", "error", err)
			return
		}
		if serr.Nonce != "" {
			if fn := c.takePending(serr.Nonce); fn != nil {
				fn(serr)
				return
			}
		}
		if c.handlers.OnServerError != nil {
			c.handlers.OnServerError(serr)
		}
	default:
		// Unknown event types are skipped so older clients survive server
		// additions.
	}
}

func dispatchPayload[T any](frame *Frame, handler func(T)) {
	if handler == nil {
		return
	}
	var payload T
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		slog.Warn("malformed event payload", "component", "gateway", "type", frame.Type, "error", err)
		return
	}
	handler(payload)
}

// NextNonce returns a fresh nonce for correlating a command with a
// possible SERVER_ERROR reply.
func (c *Conn) NextNonce() string {
	return uuid.NewString()
}

// ExpectError registers a one-shot callback for a SERVER_ERROR carrying
// nonce. The returned cancel drops the registration; it is safe to call
// after the callback fired.
func (c *Conn) ExpectError(nonce string, fn func(ServerError)) (cancel func()) {
	c.pendingMu.Lock()
	c.pending[nonce] = fn
	c.pendingMu.Unlock()

	return func() {
		c.pendingMu.Lock()
		delete(c.pending, nonce)
		c.pendingMu.Unlock()
	}
}

func (c *Conn) takePending(nonce string) func(ServerError) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	fn := c.pending[nonce]
	delete(c.pending, nonce)
	return fn
}

func (c *Conn) send(frameType string, payload any, nonce string) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(outboundFrame{Type: frameType, Payload: payload, Nonce: nonce})
}

// SetPresence updates the caller's status (online, idle, dnd, offline).
func (c *Conn) SetPresence(status string) error {
	return c.send(CmdSetPresence, setPresencePayload{Status: status}, "")
}

// SendTyping emits a typing indicator; the server handles expiry.
func (c *Conn) SendTyping() error {
	return c.send(CmdTypingStart, nil, "")
}

// SendMessage submits a chat message. The nonce is echoed back in the
// resulting MESSAGE_CREATE so optimistic renders can be resolved.
func (c *Conn) SendMessage(content string, attachmentIDs []string, nonce string) error {
	return c.send(CmdMessageSend, messageSendPayload{Content: content, AttachmentIDs: attachmentIDs}, nonce)
}

// JoinVoice asks to enter the voice room with the given initial flags.
func (c *Conn) JoinVoice(muted, deafened bool, nonce string) error {
	return c.send(CmdVoiceJoin, voiceJoinPayload{Muted: muted, Deafened: deafened}, nonce)
}

// LeaveVoice exits the voice room. The server treats repeats as no-ops.
func (c *Conn) LeaveVoice() error {
	return c.send(CmdVoiceLeave, nil, "")
}

// SendVoiceState updates mute/deafen flags. Nil fields are unchanged.
func (c *Conn) SendVoiceState(muted, deafened *bool, nonce string) error {
	return c.send(CmdVoiceState, voiceStatePayload{Muted: muted, Deafened: deafened}, nonce)
}

// SendSpeaking reports a local VAD edge.
func (c *Conn) SendSpeaking(speaking bool) error {
	return c.send(CmdVoiceSpeaking, voiceSpeakingPayload{Speaking: speaking}, "")
}

func (c *Conn) SendRtcOffer(sdp string) error {
	return c.send(CmdRtcOffer, rtcOfferPayload{SDP: sdp}, "")
}

func (c *Conn) SendRtcAnswer(sdp string) error {
	return c.send(CmdRtcAnswer, rtcAnswerPayload{SDP: sdp}, "")
}

func (c *Conn) SendRtcCandidate(candidate RtcIceCandidate) error {
	return c.send(CmdRtcIceCandidate, candidate, "")
}

// StartScreenShare registers intent to stream; the video track and the
// renegotiation offer follow over the RTC path.
func (c *Conn) StartScreenShare() error {
	return c.send(CmdScreenShareStart, nil, "")
}

func (c *Conn) StopScreenShare() error {
	return c.send(CmdScreenShareStop, nil, "")
}

func (c *Conn) SubscribeScreenShare(streamerID string) error {
	return c.send(CmdScreenShareSubscribe, screenShareSubscribePayload{StreamerID: streamerID}, "")
}

func (c *Conn) UnsubscribeScreenShare() error {
	return c.send(CmdScreenShareUnsubscribe, nil, "")
}
