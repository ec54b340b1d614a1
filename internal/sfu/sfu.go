package sfu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

// SignalFunc is called when the SFU needs to send a message to a client.
type SignalFunc func(userID string, eventType string, payload any)

type RtcOfferPayload struct {
	SDP string `json:"sdp"`
}

type RtcIceCandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// SFU owns the peer registry and fans each participant's RTP out to the
// others. It is the impolite side of perfect negotiation: its own offers
// win a collision unless the client's offer carries a pending screen
// share.
type SFU struct {
	config *Config
	api    *webrtc.API

	mu       sync.RWMutex
	peers    map[string]*Peer
	signalFn SignalFunc

	// negotiating holds users with an outstanding local offer;
	// pendingRenegotiations holds users that asked again while one was in
	// flight. Claiming a slot and deferring both happen under mu, which
	// closes the check-then-offer race.
	negotiating           map[string]bool
	pendingRenegotiations map[string]bool

	screenShare *ScreenShareManager
}

func New(config *Config) (*SFU, error) {
	settingEngine := webrtc.SettingEngine{}

	if config.MinPort > 0 && config.MaxPort > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.MinPort, config.MaxPort); err != nil {
			return nil, fmt.Errorf("setting ICE port range: %w", err)
		}
	}

	if config.PublicIP != "" {
		settingEngine.SetNAT1To1IPs([]string{config.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	mediaEngine := &webrtc.MediaEngine{}
	// Register only Opus and VP9 so negotiation deterministically selects
	// them. Opus carries voice; VP9 profile 0 carries screen share.
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("registering opus codec: %w", err)
	}

	videoRTCPFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 98,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("registering vp9 codec: %w", err)
	}

	// NACK retransmission for the forwarded video stream
	interceptorRegistry := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("building nack responder: %w", err)
	}
	interceptorRegistry.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("building nack generator: %w", err)
	}
	interceptorRegistry.Add(generator)

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	s := &SFU{
		config:                config,
		api:                   api,
		peers:                 make(map[string]*Peer),
		negotiating:           make(map[string]bool),
		pendingRenegotiations: make(map[string]bool),
	}
	s.screenShare = NewScreenShareManager(s)

	return s, nil
}

func (s *SFU) SetSignalFunc(fn SignalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalFn = fn
}

func (s *SFU) ScreenShare() *ScreenShareManager {
	return s.screenShare
}

// AddPeer creates a fresh peer for the user, replacing (and closing) any
// existing one.
func (s *SFU) AddPeer(userID string) (*Peer, error) {
	s.mu.Lock()
	existing := s.peers[userID]
	delete(s.peers, userID)
	delete(s.negotiating, userID)
	delete(s.pendingRenegotiations, userID)
	s.mu.Unlock()

	if existing != nil {
		existing.Close()
	}

	peer, err := NewPeer(userID, s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.peers[userID] = peer
	total := len(s.peers)
	s.mu.Unlock()

	slog.Info("added peer", "component", "sfu", "user_id", userID, "total", total)
	return peer, nil
}

// RemovePeer closes the user's peer, strips their tracks from everyone
// else and renegotiates the affected peers.
func (s *SFU) RemovePeer(userID string) {
	s.mu.Lock()
	peer, ok := s.peers[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, userID)
	delete(s.negotiating, userID)
	delete(s.pendingRenegotiations, userID)

	otherPeers := make(map[string]*Peer)
	for otherUserID, otherPeer := range s.peers {
		if !otherPeer.IsClosed() {
			otherPeers[otherUserID] = otherPeer
		}
	}
	s.mu.Unlock()

	// peer.Close blocks on its forwarding goroutines, so it runs after
	// the registry lock is released.
	peer.Close()

	for otherUserID, otherPeer := range otherPeers {
		if otherPeer.IsClosed() {
			continue
		}
		if err := otherPeer.RemoveAllTracksFrom(userID); err != nil {
			slog.Warn("removing tracks from peer failed", "component", "sfu", "user_id", otherUserID, "source", userID, "error", err)
		}
		s.TriggerRenegotiation(otherUserID)
	}

	slog.Info("removed peer", "component", "sfu", "user_id", userID)
}

func (s *SFU) GetPeer(userID string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[userID]
}

func (s *SFU) GetParticipantIDs(excludeUserID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.peers {
		if id != excludeUserID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *SFU) GetConfig() *Config {
	return s.config
}

// SendInitialOffer makes the server the offering side for a new peer so
// it becomes the ICE controlling agent.
func (s *SFU) SendInitialOffer(userID string) error {
	peer := s.GetPeer(userID)
	if peer == nil {
		return NewFatalError(userID, "SendInitialOffer", ErrPeerNotFound)
	}
	if peer.IsClosed() {
		return NewPeerClosedError(userID, "SendInitialOffer")
	}

	s.mu.RLock()
	fn := s.signalFn
	s.mu.RUnlock()
	if fn == nil {
		return NewFatalError(userID, "SendInitialOffer", errors.New("no signaling callback registered"))
	}

	s.mu.Lock()
	s.negotiating[userID] = true
	s.mu.Unlock()

	offer, err := peer.CreateInitialOffer()
	if err != nil {
		s.clearNegotiating(userID)
		if errors.Is(err, ErrPeerNotActive) {
			return NewPeerClosedError(userID, "SendInitialOffer.CreateInitialOffer")
		}
		return NewTransientError(userID, "SendInitialOffer.CreateInitialOffer", err)
	}

	if err := peer.SetLocalDescription(offer); err != nil {
		s.clearNegotiating(userID)
		if errors.Is(err, ErrPeerNotActive) {
			return NewPeerClosedError(userID, "SendInitialOffer.SetLocalDescription")
		}
		return NewTransientError(userID, "SendInitialOffer.SetLocalDescription", err)
	}

	fn(userID, "RTC_OFFER", RtcOfferPayload{SDP: offer.SDP})
	return nil
}

// HandleOffer processes a client-initiated offer. The server is the
// impolite peer: a colliding offer is ignored (empty answer) unless the
// client has a screen share pending, in which case the server rolls back
// its own offer so the client's new video m-line can land.
func (s *SFU) HandleOffer(userID string, sdp string) (string, error) {
	peer := s.GetPeer(userID)
	if peer == nil {
		return "", NewFatalError(userID, "HandleOffer", ErrPeerNotFound)
	}

	if peer.IsClosed() {
		return "", NewPeerClosedError(userID, "HandleOffer")
	}

	if peer.SignalingState() != webrtc.SignalingStateStable {
		if !s.screenShare.IsPendingShare(userID) {
			slog.Info("ignoring colliding offer", "component", "sfu", "user_id", userID, "state", peer.SignalingState().String())
			return "", nil
		}

		slog.Info("rolling back local offer for pending screen share", "component", "sfu", "user_id", userID)
		if err := peer.Rollback(); err != nil {
			if errors.Is(err, ErrPeerNotActive) {
				return "", NewPeerClosedError(userID, "HandleOffer.Rollback")
			}
			return "", NewTransientError(userID, "HandleOffer.Rollback", err)
		}

		s.mu.Lock()
		if s.negotiating[userID] {
			delete(s.negotiating, userID)
			// The abandoned offer's intent is re-run once stable.
			s.pendingRenegotiations[userID] = true
		}
		s.mu.Unlock()
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := peer.SetRemoteDescription(offer); err != nil {
		if errors.Is(err, ErrPeerNotActive) {
			return "", NewPeerClosedError(userID, "HandleOffer.SetRemoteDescription")
		}
		return "", NewTransientError(userID, "HandleOffer.SetRemoteDescription", err)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		if errors.Is(err, ErrPeerNotActive) {
			return "", NewPeerClosedError(userID, "HandleOffer.CreateAnswer")
		}
		return "", NewTransientError(userID, "HandleOffer.CreateAnswer", err)
	}

	if err := peer.SetLocalDescription(answer); err != nil {
		if errors.Is(err, ErrPeerNotActive) {
			return "", NewPeerClosedError(userID, "HandleOffer.SetLocalDescription")
		}
		return "", NewTransientError(userID, "HandleOffer.SetLocalDescription", err)
	}

	// Answering put us back in stable; run any deferred renegotiation.
	s.drainPendingRenegotiation(userID)

	return answer.SDP, nil
}

// HandleAnswer applies the client's answer to a server-initiated offer
// and releases the negotiation slot.
func (s *SFU) HandleAnswer(userID string, sdp string) error {
	peer := s.GetPeer(userID)
	if peer == nil {
		return NewFatalError(userID, "HandleAnswer", ErrPeerNotFound)
	}

	if peer.IsClosed() {
		return NewPeerClosedError(userID, "HandleAnswer")
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		if errors.Is(err, ErrPeerNotActive) {
			return NewPeerClosedError(userID, "HandleAnswer.SetRemoteDescription")
		}
		return NewTransientError(userID, "HandleAnswer.SetRemoteDescription", err)
	}

	s.mu.Lock()
	delete(s.negotiating, userID)
	s.mu.Unlock()

	s.drainPendingRenegotiation(userID)
	return nil
}

func (s *SFU) HandleICECandidate(userID string, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	peer := s.GetPeer(userID)
	if peer == nil {
		return NewFatalError(userID, "HandleICECandidate", ErrPeerNotFound)
	}

	if peer.IsClosed() {
		return NewPeerClosedError(userID, "HandleICECandidate")
	}

	init := webrtc.ICECandidateInit{
		Candidate: candidate,
	}
	if sdpMid != nil {
		init.SDPMid = sdpMid
	}
	if sdpMLineIndex != nil {
		init.SDPMLineIndex = sdpMLineIndex
	}

	if err := peer.AddICECandidate(init); err != nil {
		if errors.Is(err, ErrPeerNotActive) {
			return NewPeerClosedError(userID, "HandleICECandidate.AddICECandidate")
		}
		return NewTransientError(userID, "HandleICECandidate.AddICECandidate", err)
	}
	return nil
}

func (s *SFU) OnIceCandidate(userID string, candidate *webrtc.ICECandidate) {
	s.mu.RLock()
	fn := s.signalFn
	s.mu.RUnlock()

	if fn == nil {
		return
	}

	json := candidate.ToJSON()
	payload := RtcIceCandidatePayload{
		Candidate:     json.Candidate,
		SDPMid:        json.SDPMid,
		SDPMLineIndex: json.SDPMLineIndex,
	}
	fn(userID, "RTC_ICE_CANDIDATE", payload)
}

// OnPeerTrackReady routes a freshly arrived local track. Audio fans out
// to every other active peer (and the newcomer is backfilled with theirs);
// video belongs to the screen-share manager, which gates distribution on
// subscriptions.
func (s *SFU) OnPeerTrackReady(userID string, trackKind string, track *webrtc.TrackLocalStaticRTP) {
	if trackKind == webrtc.RTPCodecTypeVideo.String() {
		s.screenShare.videoTrackArrived(userID, track)
		return
	}

	// Collect peers under lock, then operate outside it so slow SDP work
	// doesn't stall the registry.
	s.mu.RLock()
	otherPeers := make(map[string]*Peer)
	for otherUserID, otherPeer := range s.peers {
		if otherUserID != userID && !otherPeer.IsClosed() {
			otherPeers[otherUserID] = otherPeer
		}
	}
	peer := s.peers[userID]
	s.mu.RUnlock()

	for otherUserID, otherPeer := range otherPeers {
		if otherPeer.IsClosed() {
			continue
		}
		if err := otherPeer.AddTrack(userID, trackKind, track); err != nil {
			slog.Warn("adding track to peer failed", "component", "sfu", "user_id", otherUserID, "source", userID, "error", err)
		}
		s.TriggerRenegotiation(otherUserID)
	}

	if peer != nil && !peer.IsClosed() {
		addedTracks := 0
		for sourceUserID, sourcePeer := range otherPeers {
			sourceTrack := sourcePeer.GetLocalTrack(trackKind)
			if sourceTrack == nil {
				continue
			}
			if err := peer.AddTrack(sourceUserID, trackKind, sourceTrack); err != nil {
				slog.Warn("backfilling track to new peer failed", "component", "sfu", "user_id", userID, "source", sourceUserID, "error", err)
				continue
			}
			addedTracks++
		}
		if addedTracks > 0 {
			s.TriggerRenegotiation(userID)
		}
	}
}

// TriggerRenegotiation sends a fresh offer to the user, or defers it when
// one is already outstanding. At most one offer is in flight per peer.
func (s *SFU) TriggerRenegotiation(userID string) {
	s.mu.RLock()
	fn := s.signalFn
	peer := s.peers[userID]
	s.mu.RUnlock()

	if fn == nil || peer == nil || peer.IsClosed() {
		return
	}

	// Atomic claim: only the winner creates the offer, everyone else
	// leaves a pending marker consumed at the next stable transition.
	s.mu.Lock()
	if s.negotiating[userID] || !peer.IsReadyForRenegotiation() {
		s.pendingRenegotiations[userID] = true
		s.mu.Unlock()
		slog.Info("deferring renegotiation", "component", "sfu", "user_id", userID)
		return
	}
	s.negotiating[userID] = true
	delete(s.pendingRenegotiations, userID)
	s.mu.Unlock()

	offer, err := peer.CreateOffer()
	if err != nil {
		s.clearNegotiating(userID)
		slog.Error("creating renegotiation offer failed", "component", "sfu", "user_id", userID, "error", err)
		return
	}

	if err := peer.SetLocalDescription(offer); err != nil {
		s.clearNegotiating(userID)
		slog.Error("setting local description failed", "component", "sfu", "user_id", userID, "error", err)
		return
	}

	fn(userID, "RTC_OFFER", RtcOfferPayload{SDP: offer.SDP})
}

// IsNegotiating reports whether the user has a local offer in flight.
func (s *SFU) IsNegotiating(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiating[userID]
}

func (s *SFU) clearNegotiating(userID string) {
	s.mu.Lock()
	delete(s.negotiating, userID)
	s.mu.Unlock()
}

func (s *SFU) drainPendingRenegotiation(userID string) {
	s.mu.RLock()
	queued := s.pendingRenegotiations[userID]
	s.mu.RUnlock()

	if queued {
		s.TriggerRenegotiation(userID)
	}
}

func (s *SFU) Close() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for userID, peer := range s.peers {
		peers = append(peers, peer)
		delete(s.peers, userID)
	}
	s.negotiating = make(map[string]bool)
	s.pendingRenegotiations = make(map[string]bool)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
	slog.Info("closed all peer connections", "component", "sfu")
}
