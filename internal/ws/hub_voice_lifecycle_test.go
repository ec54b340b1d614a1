package ws

import "testing"

func TestVoiceTransitionTable(t *testing.T) {
	testCases := []struct {
		name string
		from VoiceLifecycleState
		to   VoiceLifecycleState
		ok   bool
	}{
		{name: "join from idle", from: VoiceLifecycleNotInVoice, to: VoiceLifecycleJoining, ok: true},
		{name: "activate after join", from: VoiceLifecycleJoining, to: VoiceLifecycleActive, ok: true},
		{name: "abort during join", from: VoiceLifecycleJoining, to: VoiceLifecycleLeaving, ok: true},
		{name: "leave while active", from: VoiceLifecycleActive, to: VoiceLifecycleLeaving, ok: true},
		{name: "teardown completes", from: VoiceLifecycleLeaving, to: VoiceLifecycleNotInVoice, ok: true},
		{name: "no rejoin while active", from: VoiceLifecycleActive, to: VoiceLifecycleJoining, ok: false},
		{name: "no activate without join", from: VoiceLifecycleNotInVoice, to: VoiceLifecycleActive, ok: false},
		{name: "no join while leaving", from: VoiceLifecycleLeaving, to: VoiceLifecycleJoining, ok: false},
		{name: "no skipping teardown", from: VoiceLifecycleActive, to: VoiceLifecycleNotInVoice, ok: false},
		{name: "no self transition", from: VoiceLifecycleJoining, to: VoiceLifecycleJoining, ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isValidVoiceTransition(tc.from, tc.to); got != tc.ok {
				t.Errorf("isValidVoiceTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
			}
		})
	}
}

func TestVoiceSessionLifecycle(t *testing.T) {
	h := &Hub{voiceSessions: make(map[string]*VoiceSession)}

	if err := h.BeginVoiceJoin("usr_a", true, false); err != nil {
		t.Fatalf("BeginVoiceJoin() error = %v", err)
	}
	if got := h.GetVoiceLifecycleState("usr_a"); got != VoiceLifecycleJoining {
		t.Fatalf("state after begin = %s, want joining", got)
	}
	// Flags are tracked from the join request, before activation
	if state := h.GetUserVoiceState("usr_a"); state == nil || !state.Muted {
		t.Fatalf("voice state during join = %+v, want muted", state)
	}
	// Participants only include active sessions
	if ids := h.GetVoiceParticipantIDs(""); len(ids) != 0 {
		t.Fatalf("participants during join = %v, want none", ids)
	}

	state, err := h.ActivateVoiceSession("usr_a")
	if err != nil {
		t.Fatalf("ActivateVoiceSession() error = %v", err)
	}
	if !state.Muted || state.Deafened {
		t.Fatalf("active voice state = %+v, want muted only", state)
	}

	ids := h.GetVoiceParticipantIDs("")
	if len(ids) != 1 || ids[0] != "usr_a" {
		t.Fatalf("participants after activation = %v, want [usr_a]", ids)
	}
	if ids := h.GetVoiceParticipantIDs("usr_a"); len(ids) != 0 {
		t.Fatalf("participants excluding usr_a = %v, want none", ids)
	}

	removed, ok := h.RemoveUserFromVoice("usr_a")
	if !ok {
		t.Fatal("RemoveUserFromVoice() found no session")
	}
	if removed.State != VoiceLifecycleActive {
		t.Fatalf("removed session state = %s, want active", removed.State)
	}
	if got := h.GetVoiceLifecycleState("usr_a"); got != VoiceLifecycleNotInVoice {
		t.Fatalf("state after remove = %s, want not_in_voice", got)
	}
	if state := h.GetUserVoiceState("usr_a"); state != nil {
		t.Fatalf("voice state after remove = %+v, want nil", state)
	}
}

func TestActivateVoiceSessionErrors(t *testing.T) {
	h := &Hub{voiceSessions: make(map[string]*VoiceSession)}

	if _, err := h.ActivateVoiceSession("usr_a"); err == nil {
		t.Fatal("ActivateVoiceSession() without a join succeeded, want error")
	}

	if err := h.BeginVoiceJoin("usr_a", false, false); err != nil {
		t.Fatalf("BeginVoiceJoin() error = %v", err)
	}
	if _, err := h.ActivateVoiceSession("usr_a"); err != nil {
		t.Fatalf("ActivateVoiceSession() error = %v", err)
	}
	if _, err := h.ActivateVoiceSession("usr_a"); err == nil {
		t.Fatal("second ActivateVoiceSession() succeeded, want error")
	}
	if err := h.BeginVoiceJoin("usr_a", false, false); err == nil {
		t.Fatal("BeginVoiceJoin() while active succeeded, want error")
	}
}

// The removed session's phase tells the caller whether an in_voice=false
// broadcast is owed: only sessions that reached Active were announced.
func TestRemoveUserFromVoiceReportsPhase(t *testing.T) {
	h := &Hub{voiceSessions: make(map[string]*VoiceSession)}

	if err := h.BeginVoiceJoin("usr_a", false, false); err != nil {
		t.Fatalf("BeginVoiceJoin() error = %v", err)
	}

	removed, ok := h.RemoveUserFromVoice("usr_a")
	if !ok {
		t.Fatal("RemoveUserFromVoice() found no session")
	}
	if removed.State != VoiceLifecycleJoining {
		t.Fatalf("removed session state = %s, want joining", removed.State)
	}

	if _, ok := h.RemoveUserFromVoice("usr_a"); ok {
		t.Fatal("second RemoveUserFromVoice() reported a session, want none")
	}
}

func TestBeginVoiceJoinDeafenImpliesMute(t *testing.T) {
	h := &Hub{voiceSessions: make(map[string]*VoiceSession)}

	if err := h.BeginVoiceJoin("usr_a", false, true); err != nil {
		t.Fatalf("BeginVoiceJoin() error = %v", err)
	}

	state, err := h.ActivateVoiceSession("usr_a")
	if err != nil {
		t.Fatalf("ActivateVoiceSession() error = %v", err)
	}
	if !state.Muted || !state.Deafened {
		t.Fatalf("voice state = %+v, want muted and deafened", state)
	}
}
