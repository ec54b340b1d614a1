package ws

import (
	"encoding/json"
	"testing"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

func TestHandleVoiceJoinDoesNotBroadcastInVoiceBeforeActivation(t *testing.T) {
	h := &Hub{
		voiceSessions: make(map[string]*VoiceSession),
		userClients:   make(map[string]*Client),
		broadcast:     make(chan *WSMessage, 4),
	}

	c := NewClient(h, nil)
	c.user = &models.User{ID: "usr_1"}
	c.state.Store(int32(ClientStateIdentified))

	c.handleVoiceJoin(&InboundMessage{
		Type:    CmdVoiceJoin,
		Payload: json.RawMessage(`{"muted":false,"deafened":false}`),
	})

	if got := h.GetVoiceLifecycleState("usr_1"); got != VoiceLifecycleJoining {
		t.Fatalf("expected voice lifecycle state %q, got %q", VoiceLifecycleJoining, got)
	}

	select {
	case msg := <-h.broadcast:
		t.Fatalf("unexpected broadcast during join setup: type=%s", msg.Type)
	default:
	}
}

func TestHandleVoiceJoinRejectsDoubleJoin(t *testing.T) {
	h := &Hub{
		voiceSessions: make(map[string]*VoiceSession),
		userClients:   make(map[string]*Client),
		broadcast:     make(chan *WSMessage, 4),
	}

	c := NewClient(h, nil)
	c.user = &models.User{ID: "usr_1"}
	c.state.Store(int32(ClientStateIdentified))

	join := &InboundMessage{
		Type:    CmdVoiceJoin,
		Payload: json.RawMessage(`{"muted":false,"deafened":false}`),
	}
	c.handleVoiceJoin(join)
	c.handleVoiceJoin(join)

	select {
	case frame := <-c.send:
		if frame.Type != EventServerError {
			t.Fatalf("expected SERVER_ERROR frame, got %s", frame.Type)
		}
		payload, ok := frame.Payload.(ErrorPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", frame.Payload)
		}
		if payload.Code != ErrCodeVoiceStateInvalidTransition {
			t.Fatalf("expected code %s, got %s", ErrCodeVoiceStateInvalidTransition, payload.Code)
		}
	default:
		t.Fatal("expected an error frame for the second join")
	}

	if got := h.GetVoiceLifecycleState("usr_1"); got != VoiceLifecycleJoining {
		t.Fatalf("expected first join to stay in %q, got %q", VoiceLifecycleJoining, got)
	}
}

func TestHandleVoiceJoinCooldownAfterBurst(t *testing.T) {
	h := &Hub{
		voiceSessions: make(map[string]*VoiceSession),
		userClients:   make(map[string]*Client),
		broadcast:     make(chan *WSMessage, 16),
	}

	c := NewClient(h, nil)
	c.user = &models.User{ID: "usr_1"}
	c.state.Store(int32(ClientStateIdentified))

	join := &InboundMessage{Type: CmdVoiceJoin, Payload: json.RawMessage(`{}`)}
	limit, _, _ := h.voiceJoinPolicy()

	for i := 0; i < limit; i++ {
		c.handleVoiceJoin(join)
		h.RemoveUserFromVoice("usr_1")
	}

	if c.joinLimiter.cooldownAt.IsZero() {
		t.Fatal("expected join cooldown to be armed after burst")
	}

	// Drain any error frames queued by the burst itself
	for len(c.send) > 0 {
		<-c.send
	}

	c.handleVoiceJoin(join)
	select {
	case frame := <-c.send:
		payload, ok := frame.Payload.(ErrorPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", frame.Payload)
		}
		if payload.Code != ErrCodeVoiceJoinCooldown {
			t.Fatalf("expected code %s, got %s", ErrCodeVoiceJoinCooldown, payload.Code)
		}
		if payload.RetryAfterMS <= 0 {
			t.Fatalf("expected positive retry_after_ms, got %d", payload.RetryAfterMS)
		}
	default:
		t.Fatal("expected a cooldown error frame")
	}

	if got := h.GetVoiceLifecycleState("usr_1"); got != VoiceLifecycleNotInVoice {
		t.Fatalf("cooldown join must not create a session, got %q", got)
	}
}

func TestHandleVoiceLeaveIsIdempotent(t *testing.T) {
	h := &Hub{
		voiceSessions: make(map[string]*VoiceSession),
		userClients:   make(map[string]*Client),
		broadcast:     make(chan *WSMessage, 4),
	}

	c := NewClient(h, nil)
	c.user = &models.User{ID: "usr_1"}
	c.state.Store(int32(ClientStateIdentified))

	// Leaving while not in voice must not broadcast or error
	c.handleVoiceLeave()

	select {
	case msg := <-h.broadcast:
		t.Fatalf("unexpected broadcast on no-op leave: type=%s", msg.Type)
	default:
	}
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame on no-op leave: type=%s", frame.Type)
	default:
	}
}

func TestHandleVoiceLeaveBeforeActivationDoesNotBroadcast(t *testing.T) {
	h := &Hub{
		voiceSessions: make(map[string]*VoiceSession),
		userClients:   make(map[string]*Client),
		broadcast:     make(chan *WSMessage, 4),
	}

	c := NewClient(h, nil)
	c.user = &models.User{ID: "usr_1"}
	c.state.Store(int32(ClientStateIdentified))

	c.handleVoiceJoin(&InboundMessage{Type: CmdVoiceJoin, Payload: json.RawMessage(`{}`)})
	c.handleVoiceLeave()

	if got := h.GetVoiceLifecycleState("usr_1"); got != VoiceLifecycleNotInVoice {
		t.Fatalf("expected session removed, got %q", got)
	}

	// The join never activated, so no in_voice=false should go out
	select {
	case msg := <-h.broadcast:
		t.Fatalf("unexpected broadcast for unactivated leave: type=%s", msg.Type)
	default:
	}
}
