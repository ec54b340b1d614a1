package sfu

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/frisksitron/lobby-sub000/internal/constants"
)

type PeerState int32

const (
	PeerStateConnecting PeerState = iota
	PeerStateActive
	PeerStateClosing
	PeerStateClosed
)

// How long Close waits for the forwarding goroutines to drain.
const peerCloseTimeout = 3 * time.Second

// Peer wraps one server-side peer connection. Media arriving from the user
// is re-published on local fanout tracks; media from other users is
// attached as outbound senders.
type Peer struct {
	ID    string
	conn  *webrtc.PeerConnection
	sfu   *SFU
	mu    sync.RWMutex
	state atomic.Int32
	wg    sync.WaitGroup

	// inbound holds the fanout track per kind ("audio", "video") fed from
	// this user's uploads.
	inbound map[string]*webrtc.TrackLocalStaticRTP
	// senders holds outbound RTP senders keyed sourceUserID:kind.
	senders map[string]*webrtc.RTPSender

	// videoRecv and videoSSRC identify the user's screen-share upload so
	// keyframes can be requested on it.
	videoRecv *webrtc.RTPReceiver
	videoSSRC uint32
}

func NewPeer(id string, sfu *SFU) (*Peer, error) {
	conn, err := sfu.api.NewPeerConnection(sfu.config.ToWebRTCConfig())
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		ID:      id,
		conn:    conn,
		sfu:     sfu,
		inbound: make(map[string]*webrtc.TrackLocalStaticRTP),
		senders: make(map[string]*webrtc.RTPSender),
	}
	peer.state.Store(int32(PeerStateConnecting))

	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		sfu.OnIceCandidate(id, candidate)
	})
	conn.OnConnectionStateChange(peer.onConnectionState)
	conn.OnTrack(peer.onRemoteTrack)

	return peer, nil
}

func (p *Peer) onConnectionState(state webrtc.PeerConnectionState) {
	slog.Info("peer connection state changed", "component", "sfu", "user_id", p.ID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if p.transitionTo(PeerStateActive) {
			slog.Info("peer active", "component", "sfu", "user_id", p.ID)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.Close()
	}
}

// onRemoteTrack republishes an incoming track on a local fanout track and
// starts the RTP relay for it.
func (p *Peer) onRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := remote.Kind().String()

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, kind, p.ID)
	if err != nil {
		slog.Error("creating local fanout track failed", "component", "sfu", "user_id", p.ID, "kind", kind, "error", err)
		return
	}

	p.mu.Lock()
	p.inbound[kind] = local
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		p.videoRecv = receiver
		p.videoSSRC = uint32(remote.SSRC())
	}
	p.mu.Unlock()

	p.sfu.OnPeerTrackReady(p.ID, kind, local)

	p.wg.Add(1)
	go p.relayRTP(remote, local, kind)
}

func (p *Peer) relayRTP(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP, kind string) {
	defer p.wg.Done()

	buf := make([]byte, constants.RTPPacketBufferBytes)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			slog.Info("track forwarding ended", "component", "sfu", "user_id", p.ID, "kind", kind, "error", err)
			return
		}
		if _, err := local.Write(buf[:n]); err != nil {
			slog.Warn("track forwarding write failed", "component", "sfu", "user_id", p.ID, "kind", kind, "error", err)
			return
		}
	}
}

// drainRTCP reads and discards sender reports so the RTCP receive buffer
// never fills.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()

	buf := make([]byte, constants.RTPPacketBufferBytes)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// closedGuard returns ErrPeerNotActive once teardown has begun.
func (p *Peer) closedGuard() error {
	if p.IsClosed() {
		return ErrPeerNotActive
	}
	return nil
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.closedGuard(); err != nil {
		return err
	}
	return p.conn.SetRemoteDescription(sdp)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := p.closedGuard(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.conn.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	if err := p.closedGuard(); err != nil {
		return err
	}
	return p.conn.SetLocalDescription(sdp)
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.closedGuard(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.conn.CreateOffer(nil)
}

// CreateInitialOffer builds the first offer with a sendrecv audio
// transceiver only. Video m-sections are added on demand when a screen
// share starts; offering an empty one up front trips RTCP mux handling in
// Chrome.
func (p *Peer) CreateInitialOffer() (webrtc.SessionDescription, error) {
	if err := p.closedGuard(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	_, err := p.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("adding audio transceiver: %w", err)
	}

	return p.conn.CreateOffer(nil)
}

// EnsureVideoTransceiver adds a sendrecv video transceiver if none exists
// yet, so the next renegotiation offer carries a video m-section.
func (p *Peer) EnsureVideoTransceiver() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.closedGuard(); err != nil {
		return err
	}
	for _, t := range p.conn.GetTransceivers() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return nil
		}
	}

	_, err := p.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("adding video transceiver: %w", err)
	}

	slog.Info("added video transceiver for screen share", "component", "sfu", "user_id", p.ID)
	return nil
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.closedGuard(); err != nil {
		return err
	}
	return p.conn.AddICECandidate(candidate)
}

func senderKey(sourceUserID, trackKind string) string {
	return sourceUserID + ":" + trackKind
}

// AddTrack attaches another user's fanout track to this peer. Adding the
// same source and kind twice is a no-op, as is adding to a closing peer.
func (p *Peer) AddTrack(sourceUserID string, trackKind string, track *webrtc.TrackLocalStaticRTP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsClosed() {
		return nil
	}

	key := senderKey(sourceUserID, trackKind)
	if _, exists := p.senders[key]; exists {
		return nil
	}

	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}
	p.senders[key] = sender

	p.wg.Add(1)
	go p.drainRTCP(sender)

	slog.Info("added track to peer", "component", "sfu", "user_id", p.ID, "source", sourceUserID, "kind", trackKind)
	return nil
}

func (p *Peer) RemoveTrack(sourceUserID string, trackKind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsClosed() {
		return nil
	}

	key := senderKey(sourceUserID, trackKind)
	sender, exists := p.senders[key]
	if !exists {
		return nil
	}

	if err := p.conn.RemoveTrack(sender); err != nil {
		return err
	}
	delete(p.senders, key)

	slog.Info("removed track from peer", "component", "sfu", "user_id", p.ID, "source", sourceUserID, "kind", trackKind)
	return nil
}

// RemoveAllTracksFrom detaches every sender fed by the given source user.
func (p *Peer) RemoveAllTracksFrom(sourceUserID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsClosed() {
		return nil
	}

	prefix := sourceUserID + ":"
	for key, sender := range p.senders {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := p.conn.RemoveTrack(sender); err != nil {
			slog.Warn("removing track failed", "component", "sfu", "user_id", p.ID, "track", key, "error", err)
			continue
		}
		delete(p.senders, key)
	}

	return nil
}

func (p *Peer) GetLocalTrack(trackKind string) *webrtc.TrackLocalStaticRTP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inbound[trackKind]
}

// RequestKeyframe asks the user's uploader for a fresh keyframe via PLI.
// No-op while the peer has no video upload.
func (p *Peer) RequestKeyframe() error {
	p.mu.RLock()
	receiver := p.videoRecv
	ssrc := p.videoSSRC
	p.mu.RUnlock()

	if receiver == nil {
		return nil
	}

	return p.conn.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (p *Peer) IsReadyForRenegotiation() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn.SignalingState() == webrtc.SignalingStateStable
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn.SignalingState()
}

// Rollback abandons a pending local offer, returning signaling to stable.
func (p *Peer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.closedGuard(); err != nil {
		return err
	}
	return p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// Close tears the connection down once. Closing the underlying connection
// unblocks the relay reads; Close then waits for them, bounded by
// peerCloseTimeout.
func (p *Peer) Close() error {
	if !p.transitionTo(PeerStateClosing) {
		return nil
	}

	slog.Info("closing peer", "component", "sfu", "user_id", p.ID)
	err := p.conn.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(peerCloseTimeout):
		slog.Warn("peer goroutines still running at close timeout", "component", "sfu", "user_id", p.ID)
	}

	p.transitionTo(PeerStateClosed)
	return err
}

func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

func (p *Peer) IsActive() bool {
	return p.State() == PeerStateActive
}

func (p *Peer) IsClosed() bool {
	state := p.State()
	return state == PeerStateClosing || state == PeerStateClosed
}

func isValidTransition(from, to PeerState) bool {
	switch from {
	case PeerStateConnecting:
		return to == PeerStateActive || to == PeerStateClosing
	case PeerStateActive:
		return to == PeerStateClosing
	case PeerStateClosing:
		return to == PeerStateClosed
	}
	return false
}

// transitionTo moves the state machine with CAS so concurrent callers
// settle on exactly one winner per transition.
func (p *Peer) transitionTo(newState PeerState) bool {
	for {
		current := PeerState(p.state.Load())
		if !isValidTransition(current, newState) {
			return false
		}
		if p.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}
