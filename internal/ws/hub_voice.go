package ws

import (
	"fmt"
	"log/slog"
)

// VoiceLifecycleState tracks where a user is in the voice join/leave flow.
// in_voice=true is only broadcast once the session reaches Active, so
// other clients never see a member "in voice" whose media setup can still
// fail.
type VoiceLifecycleState int32

const (
	VoiceLifecycleNotInVoice VoiceLifecycleState = iota
	VoiceLifecycleJoining
	VoiceLifecycleActive
	VoiceLifecycleLeaving
)

func (s VoiceLifecycleState) String() string {
	switch s {
	case VoiceLifecycleNotInVoice:
		return "not_in_voice"
	case VoiceLifecycleJoining:
		return "joining"
	case VoiceLifecycleActive:
		return "active"
	case VoiceLifecycleLeaving:
		return "leaving"
	}
	return "unknown"
}

func isValidVoiceTransition(from, to VoiceLifecycleState) bool {
	switch from {
	case VoiceLifecycleNotInVoice:
		return to == VoiceLifecycleJoining
	case VoiceLifecycleJoining:
		return to == VoiceLifecycleActive || to == VoiceLifecycleLeaving
	case VoiceLifecycleActive:
		return to == VoiceLifecycleLeaving
	case VoiceLifecycleLeaving:
		return to == VoiceLifecycleNotInVoice
	}
	return false
}

// VoiceSession is a user's voice membership plus the flags they carry.
type VoiceSession struct {
	State    VoiceLifecycleState
	Muted    bool
	Deafened bool
}

// VoiceState is a snapshot of the mute/deafen flags handed to callers.
type VoiceState struct {
	Muted    bool
	Deafened bool
}

// BeginVoiceJoin creates a Joining session for the user. It fails when the
// user already has a session (double join, or join while leaving).
func (h *Hub) BeginVoiceJoin(userID string, muted, deafened bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := VoiceLifecycleNotInVoice
	if session, ok := h.voiceSessions[userID]; ok {
		current = session.State
	}
	if !isValidVoiceTransition(current, VoiceLifecycleJoining) {
		return fmt.Errorf("cannot begin voice join from %s", current)
	}

	if deafened {
		muted = true
	}
	h.voiceSessions[userID] = &VoiceSession{
		State:    VoiceLifecycleJoining,
		Muted:    muted,
		Deafened: deafened,
	}
	return nil
}

// ActivateVoiceSession moves a Joining session to Active and returns the
// flags to broadcast.
func (h *Hub) ActivateVoiceSession(userID string) (*VoiceState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.voiceSessions[userID]
	if !ok {
		return nil, fmt.Errorf("no voice session for %s", userID)
	}
	if !isValidVoiceTransition(session.State, VoiceLifecycleActive) {
		return nil, fmt.Errorf("cannot activate voice session from %s", session.State)
	}

	session.State = VoiceLifecycleActive
	return &VoiceState{Muted: session.Muted, Deafened: session.Deafened}, nil
}

// RemoveUserFromVoice tears down the user's session regardless of phase and
// reports what was removed. Callers decide whether a broadcast is owed
// based on the returned session's state.
func (h *Hub) RemoveUserFromVoice(userID string) (*VoiceSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.voiceSessions[userID]
	if !ok {
		return nil, false
	}

	if session.State != VoiceLifecycleLeaving && !isValidVoiceTransition(session.State, VoiceLifecycleLeaving) {
		slog.Warn("removing voice session via illegal transition", "component", "hub", "user_id", userID, "state", session.State.String())
	}

	removed := &VoiceSession{
		State:    session.State,
		Muted:    session.Muted,
		Deafened: session.Deafened,
	}
	delete(h.voiceSessions, userID)
	return removed, true
}

func (h *Hub) GetVoiceLifecycleState(userID string) VoiceLifecycleState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if session, ok := h.voiceSessions[userID]; ok {
		return session.State
	}
	return VoiceLifecycleNotInVoice
}

// GetUserVoiceState returns the user's flags while they hold any voice
// session, or nil when not in voice.
func (h *Hub) GetUserVoiceState(userID string) *VoiceState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	session, ok := h.voiceSessions[userID]
	if !ok {
		return nil
	}
	return &VoiceState{Muted: session.Muted, Deafened: session.Deafened}
}

// UpdateUserVoiceState applies mute/deafen changes to an Active session.
// Deafened implies muted. Returns the updated snapshot, or nil if the user
// has no active session.
func (h *Hub) UpdateUserVoiceState(userID string, muted, deafened *bool) *VoiceState {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.voiceSessions[userID]
	if !ok || session.State != VoiceLifecycleActive {
		return nil
	}

	if muted != nil {
		session.Muted = *muted
	}
	if deafened != nil {
		session.Deafened = *deafened
	}
	if session.Deafened {
		session.Muted = true
	}

	return &VoiceState{Muted: session.Muted, Deafened: session.Deafened}
}

func (h *Hub) GetVoiceParticipantIDs(excludeUserID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, session := range h.voiceSessions {
		if id != excludeUserID && session.State == VoiceLifecycleActive {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Hub) IsUserInVoice(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.voiceSessions[userID]
	return ok
}
