package sfu

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// shareState is one user's advertised stream. ready stays false between
// the start command and the arrival of the actual video track; nothing
// is broadcast or forwarded in that window.
type shareState struct {
	owner string
	track *webrtc.TrackLocalStaticRTP
	ready bool
}

// ScreenShareManager owns stream registration and viewer subscriptions.
// Each viewer watches at most one streamer at a time.
type ScreenShareManager struct {
	sfu *SFU

	mu            sync.RWMutex
	shares        map[string]*shareState     // streamerID -> state
	subscriptions map[string]string          // viewerID -> streamerID
	viewers       map[string]map[string]bool // streamerID -> viewer set
	// keyframeOnAnswer holds viewers whose renegotiation is still in
	// flight; the PLI fires once their answer lands.
	keyframeOnAnswer map[string]string // viewerID -> streamerID
	onUpdate         func(userID string, streaming bool)
}

func NewScreenShareManager(sfu *SFU) *ScreenShareManager {
	return &ScreenShareManager{
		sfu:              sfu,
		shares:           make(map[string]*shareState),
		subscriptions:    make(map[string]string),
		viewers:          make(map[string]map[string]bool),
		keyframeOnAnswer: make(map[string]string),
	}
}

func (sm *ScreenShareManager) SetUpdateCallback(cb func(userID string, streaming bool)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onUpdate = cb
}

// liveShareLocked returns the share only when its track is ready.
// Caller holds sm.mu.
func (sm *ScreenShareManager) liveShareLocked(streamerID string) (*shareState, bool) {
	state, ok := sm.shares[streamerID]
	if !ok || state == nil || !state.ready {
		return nil, false
	}
	return state, true
}

// viewerIDsLocked snapshots the viewer set for a streamer. Caller holds
// sm.mu.
func (sm *ScreenShareManager) viewerIDsLocked(streamerID string) []string {
	ids := make([]string, 0, len(sm.viewers[streamerID]))
	for id := range sm.viewers[streamerID] {
		ids = append(ids, id)
	}
	return ids
}

// StartShare registers intent to stream. The streaming=true broadcast
// waits for videoTrackArrived; a track left over from an earlier share
// in the same session (client swapped via replaceTrack, so OnTrack
// never refires) is reused immediately.
func (sm *ScreenShareManager) StartShare(userID string) {
	sm.mu.Lock()
	if _, exists := sm.shares[userID]; exists {
		sm.mu.Unlock()
		return
	}
	sm.shares[userID] = &shareState{owner: userID}
	sm.viewers[userID] = make(map[string]bool)
	sm.mu.Unlock()

	peer := sm.sfu.GetPeer(userID)
	if peer == nil {
		slog.Debug("share registered, no peer yet", "component", "screenshare", "user_id", userID)
		return
	}

	if track := peer.GetLocalTrack("video"); track != nil {
		slog.Debug("share reuses the session's previous video track", "component", "screenshare", "user_id", userID)
		sm.videoTrackArrived(userID, track)
		return
	}

	if err := peer.EnsureVideoTransceiver(); err != nil {
		slog.Error("video transceiver setup failed", "component", "screenshare", "user_id", userID, "error", err)
	}
	slog.Debug("share registered, awaiting video track", "component", "screenshare", "user_id", userID)
}

// StopShare tears the stream down. streaming=false goes out only if
// streaming=true was ever sent, so a start that never produced a track
// stays invisible to clients.
func (sm *ScreenShareManager) StopShare(userID string) {
	sm.mu.Lock()
	state, registered := sm.shares[userID]
	if !registered {
		sm.mu.Unlock()
		return
	}
	wentLive := state != nil && state.ready

	watching := sm.viewerIDsLocked(userID)
	delete(sm.shares, userID)
	delete(sm.viewers, userID)
	for _, viewerID := range watching {
		delete(sm.subscriptions, viewerID)
	}
	cb := sm.onUpdate
	sm.mu.Unlock()

	for _, viewerID := range watching {
		sm.detachFromViewer(userID, viewerID)
	}

	slog.Info("screen share ended", "component", "screenshare", "user_id", userID, "viewer_count", len(watching))

	if cb != nil && wentLive {
		cb(userID, false)
	}
}

// Subscribe attaches viewerID to streamerID's video. Subscribing to an
// unknown or still-pending stream is a silent no-op; the client retries
// off the share update it receives once the track lands.
func (sm *ScreenShareManager) Subscribe(viewerID, streamerID string) error {
	sm.mu.Lock()
	state, live := sm.liveShareLocked(streamerID)
	if !live {
		sm.mu.Unlock()
		slog.Debug("subscribe ignored, stream not live", "component", "screenshare", "viewer_id", viewerID, "streamer_id", streamerID)
		return nil
	}

	// Single stream per viewer: the old subscription goes first. That
	// touches the old peer, so the lock is dropped and the target stream
	// re-validated afterwards.
	if prev, subscribed := sm.subscriptions[viewerID]; subscribed && prev != streamerID {
		delete(sm.viewers[prev], viewerID)
		sm.mu.Unlock()
		sm.detachFromViewer(prev, viewerID)
		sm.mu.Lock()

		if state, live = sm.liveShareLocked(streamerID); !live {
			sm.mu.Unlock()
			slog.Debug("subscribe dropped, stream ended while switching", "component", "screenshare", "viewer_id", viewerID, "streamer_id", streamerID)
			return nil
		}
	}

	sm.subscriptions[viewerID] = streamerID
	set := sm.viewers[streamerID]
	if set == nil {
		set = make(map[string]bool)
		sm.viewers[streamerID] = set
	}
	set[viewerID] = true
	track := state.track
	sm.mu.Unlock()

	if track != nil {
		sm.attachToViewer(streamerID, viewerID, track)
	}

	slog.Debug("viewer subscribed", "component", "screenshare", "viewer_id", viewerID, "streamer_id", streamerID)
	return nil
}

func (sm *ScreenShareManager) Unsubscribe(viewerID string) {
	sm.mu.Lock()
	streamerID, subscribed := sm.subscriptions[viewerID]
	if !subscribed {
		sm.mu.Unlock()
		return
	}
	delete(sm.subscriptions, viewerID)
	delete(sm.keyframeOnAnswer, viewerID)
	if set := sm.viewers[streamerID]; set != nil {
		delete(set, viewerID)
	}
	sm.mu.Unlock()

	sm.detachFromViewer(streamerID, viewerID)
	slog.Debug("viewer unsubscribed", "component", "screenshare", "viewer_id", viewerID, "streamer_id", streamerID)
}

// OnUserDisconnect clears the user from both sides of the table.
func (sm *ScreenShareManager) OnUserDisconnect(userID string) {
	sm.StopShare(userID)
	sm.Unsubscribe(userID)
}

func (sm *ScreenShareManager) IsStreaming(userID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, live := sm.liveShareLocked(userID)
	return live
}

// IsPendingShare reports a registered share whose track has not arrived.
func (sm *ScreenShareManager) IsPendingShare(userID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	state, ok := sm.shares[userID]
	return ok && !state.ready
}

func (sm *ScreenShareManager) GetActiveStreamers() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.shares))
	for id := range sm.shares {
		if _, live := sm.liveShareLocked(id); live {
			ids = append(ids, id)
		}
	}
	return ids
}

// videoTrackArrived flips the stream live. A track that beats the start
// command registers the share on its behalf, so the race is harmless in
// either order.
func (sm *ScreenShareManager) videoTrackArrived(userID string, track *webrtc.TrackLocalStaticRTP) {
	sm.mu.Lock()
	state, registered := sm.shares[userID]
	if !registered {
		slog.Debug("video track beat the start command, registering share", "component", "screenshare", "user_id", userID)
		state = &shareState{owner: userID}
		sm.shares[userID] = state
		sm.viewers[userID] = make(map[string]bool)
	}
	state.track = track
	state.ready = true

	waiting := sm.viewerIDsLocked(userID)
	cb := sm.onUpdate
	sm.mu.Unlock()

	slog.Info("screen share live", "component", "screenshare", "user_id", userID)

	if cb != nil {
		cb(userID, true)
	}

	if len(waiting) > 0 {
		slog.Debug("handing video track to early subscribers", "component", "screenshare", "user_id", userID, "viewer_count", len(waiting))
		for _, viewerID := range waiting {
			sm.attachToViewer(userID, viewerID, track)
		}
	}
}

func (sm *ScreenShareManager) attachToViewer(streamerID, viewerID string, track *webrtc.TrackLocalStaticRTP) {
	peer := sm.sfu.GetPeer(viewerID)
	if peer == nil || peer.IsClosed() {
		return
	}
	if err := peer.AddTrack(streamerID, "video", track); err != nil {
		slog.Error("attaching video track to viewer failed", "component", "screenshare", "viewer_id", viewerID, "error", err)
		return
	}

	// The keyframe request waits for the viewer's answer; fired now it
	// would race the renegotiation and get lost.
	sm.mu.Lock()
	sm.keyframeOnAnswer[viewerID] = streamerID
	sm.mu.Unlock()

	sm.sfu.TriggerRenegotiation(viewerID)
}

// OnRenegotiationComplete fires the deferred PLI for a viewer whose
// answer just landed.
func (sm *ScreenShareManager) OnRenegotiationComplete(viewerID string) {
	sm.mu.Lock()
	streamerID, pending := sm.keyframeOnAnswer[viewerID]
	delete(sm.keyframeOnAnswer, viewerID)
	sm.mu.Unlock()

	if !pending {
		return
	}

	streamerPeer := sm.sfu.GetPeer(streamerID)
	if streamerPeer == nil || streamerPeer.IsClosed() {
		return
	}
	if err := streamerPeer.RequestKeyframe(); err != nil {
		slog.Error("keyframe request failed", "component", "screenshare", "streamer_id", streamerID, "error", err)
		return
	}
	slog.Debug("keyframe requested for new viewer", "component", "screenshare", "streamer_id", streamerID, "viewer_id", viewerID)
}

func (sm *ScreenShareManager) detachFromViewer(streamerID, viewerID string) {
	peer := sm.sfu.GetPeer(viewerID)
	if peer == nil || peer.IsClosed() {
		return
	}
	if err := peer.RemoveTrack(streamerID, "video"); err != nil {
		slog.Error("removing video track from viewer failed", "component", "screenshare", "viewer_id", viewerID, "error", err)
		return
	}
	sm.sfu.TriggerRenegotiation(viewerID)
}
