package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Nonce   string          `json:"nonce"`
}

// newGatewayServer runs script against each incoming websocket. Scripts run
// on the server goroutine, so they report failures via t.Errorf.
func newGatewayServer(t *testing.T, script func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()
		script(ws, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeEvent(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	if err := ws.WriteJSON(map[string]any{"type": frameType, "payload": payload}); err != nil {
		t.Errorf("writing %s: %v", frameType, err)
	}
}

func readCommand(t *testing.T, ws *websocket.Conn) testFrame {
	t.Helper()
	var frame testFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Errorf("reading command: %v", err)
	}
	return frame
}

// runHandshake plays the server side of HELLO -> IDENTIFY -> READY and
// returns the identify payload it saw.
func runHandshake(t *testing.T, ws *websocket.Conn) identifyPayload {
	t.Helper()
	writeEvent(t, ws, EventHello, Hello{ProtocolVersion: ProtocolVersion})

	frame := readCommand(t, ws)
	if frame.Type != CmdIdentify {
		t.Errorf("expected IDENTIFY, got %s", frame.Type)
	}
	var identify identifyPayload
	if err := json.Unmarshal(frame.Payload, &identify); err != nil {
		t.Errorf("decoding IDENTIFY: %v", err)
	}

	writeEvent(t, ws, EventReady, Ready{
		ProtocolVersion: ProtocolVersion,
		SessionID:       "sess_1",
		User:            &Self{ID: "usr_1", Username: "alice"},
		Members: []Member{
			{ID: "usr_1", Username: "alice", Status: "online"},
			{ID: "usr_2", Username: "bob", Status: "online", InVoice: true},
		},
	})
	return identify
}

// drainUntilClose keeps the server side open until the client goes away.
func drainUntilClose(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDialHandshakeAndDispatch(t *testing.T) {
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "tok_123" {
			t.Errorf("expected token in query, got %q", got)
		}
		identify := runHandshake(t, ws)
		if identify.Token != "tok_123" {
			t.Errorf("expected IDENTIFY token tok_123, got %q", identify.Token)
		}
		if identify.Presence == nil || identify.Presence.Status != "idle" {
			t.Errorf("expected idle presence in IDENTIFY, got %+v", identify.Presence)
		}

		// The client sends a voice state command; answer it with a
		// correlated cooldown, then push a broadcast and a stray error.
		frame := readCommand(t, ws)
		if frame.Type != CmdVoiceState {
			t.Errorf("expected VOICE_STATE, got %s", frame.Type)
		}
		if err := ws.WriteJSON(map[string]any{
			"type": EventServerError,
			"payload": ServerError{
				Code:         ErrCodeVoiceStateCooldown,
				Message:      "Changing voice state too fast",
				Nonce:        frame.Nonce,
				RetryAfterMS: 9000,
			},
		}); err != nil {
			t.Errorf("writing correlated error: %v", err)
		}

		writeEvent(t, ws, EventVoiceStateUpdate, VoiceStateUpdate{UserID: "usr_2", InVoice: true})
		writeEvent(t, ws, EventServerError, ServerError{Code: ErrCodeInternal, Message: "boom"})

		drainUntilClose(ws)
	})

	updates := make(chan VoiceStateUpdate, 1)
	strays := make(chan ServerError, 1)
	closed := make(chan error, 1)

	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok_123", Presence: "idle"}, Handlers{
		OnVoiceStateUpdate: func(u VoiceStateUpdate) { updates <- u },
		OnServerError:      func(se ServerError) { strays <- se },
		OnClosed:           func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	ready := conn.Ready()
	if ready.SessionID != "sess_1" {
		t.Fatalf("expected session sess_1, got %q", ready.SessionID)
	}
	if ready.User == nil || ready.User.Username != "alice" {
		t.Fatalf("unexpected READY user: %+v", ready.User)
	}
	if len(ready.Members) != 2 || !ready.Members[1].InVoice {
		t.Fatalf("unexpected READY members: %+v", ready.Members)
	}

	correlated := make(chan ServerError, 1)
	nonce := conn.NextNonce()
	conn.ExpectError(nonce, func(se ServerError) { correlated <- se })

	muted := true
	if err := conn.SendVoiceState(&muted, nil, nonce); err != nil {
		t.Fatalf("SendVoiceState failed: %v", err)
	}

	select {
	case se := <-correlated:
		if se.Code != ErrCodeVoiceStateCooldown || se.RetryAfterMS != 9000 {
			t.Fatalf("unexpected correlated error: %+v", se)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("correlated error never arrived")
	}

	select {
	case u := <-updates:
		if u.UserID != "usr_2" || !u.InVoice {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("voice state update never arrived")
	}

	select {
	case se := <-strays:
		if se.Code != ErrCodeInternal {
			t.Fatalf("unexpected stray error: %+v", se)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("uncorrelated error never arrived")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("local close must report nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}

	if err := conn.SendTyping(); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed after close, got %v", err)
	}
}

func TestDialRejectsProtocolMismatch(t *testing.T) {
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		writeEvent(t, ws, EventHello, Hello{ProtocolVersion: ProtocolVersion + 1})
		drainUntilClose(ws)
	})

	_, err := Dial(context.Background(), Options{URL: url, Token: "tok"}, Handlers{})
	if err == nil || !strings.Contains(err.Error(), "protocol version mismatch") {
		t.Fatalf("expected protocol mismatch error, got %v", err)
	}
}

func TestDialAuthFailure(t *testing.T) {
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		writeEvent(t, ws, EventHello, Hello{ProtocolVersion: ProtocolVersion})
		readCommand(t, ws) // IDENTIFY
		writeEvent(t, ws, EventServerError, ServerError{Code: ErrCodeAuthFailed, Message: "Invalid token"})
		drainUntilClose(ws)
	})

	_, err := Dial(context.Background(), Options{URL: url, Token: "bad"}, Handlers{})
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected *HandshakeError, got %v", err)
	}
	if hsErr.Code != ErrCodeAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %q", hsErr.Code)
	}
}

func TestBroadcastsBeforeReadyAreSkipped(t *testing.T) {
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		writeEvent(t, ws, EventHello, Hello{ProtocolVersion: ProtocolVersion})
		readCommand(t, ws) // IDENTIFY
		// A broadcast racing the handshake must not reach handlers.
		writeEvent(t, ws, EventPresenceUpdate, PresenceUpdate{UserID: "usr_9", Status: "idle"})
		writeEvent(t, ws, EventReady, Ready{ProtocolVersion: ProtocolVersion, SessionID: "sess_1"})
		writeEvent(t, ws, EventVoiceSpeaking, VoiceSpeaking{UserID: "usr_2", Speaking: true})
		drainUntilClose(ws)
	})

	presences := make(chan PresenceUpdate, 1)
	speaking := make(chan VoiceSpeaking, 1)
	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok"}, Handlers{
		OnPresenceUpdate: func(p PresenceUpdate) { presences <- p },
		OnVoiceSpeaking:  func(v VoiceSpeaking) { speaking <- v },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-speaking:
	case <-time.After(2 * time.Second):
		t.Fatal("post-READY event never arrived")
	}
	select {
	case p := <-presences:
		t.Fatalf("pre-READY broadcast must be skipped, got %+v", p)
	default:
	}
}

func TestRemoteDropReportsError(t *testing.T) {
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		runHandshake(t, ws)
		// Drop the link without a close frame.
		ws.Close()
	})

	closed := make(chan error, 1)
	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok"}, Handlers{
		OnClosed: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("remote drop must report a non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired after remote drop")
	}
}

func TestServerPingIsAnswered(t *testing.T) {
	pongs := make(chan struct{}, 1)
	url := newGatewayServer(t, func(ws *websocket.Conn, r *http.Request) {
		runHandshake(t, ws)
		ws.SetPongHandler(func(string) error {
			select {
			case pongs <- struct{}{}:
			default:
			}
			return nil
		})
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
			t.Errorf("writing ping: %v", err)
		}
		drainUntilClose(ws)
	})

	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok"}, Handlers{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("client never answered the ping")
	}
}
