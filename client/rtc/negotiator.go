// Package rtc implements the client half of voice negotiation. The
// negotiator is the polite peer: on offer glare it rolls back its own
// pending offer and answers the server's instead, so the server-driven
// room topology always wins.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

const (
	// DefaultAnswerTimeout bounds how long the first client-sent offer may
	// wait for the server's answer before the session is declared dead.
	DefaultAnswerTimeout = 10 * time.Second

	// DefaultRestartDelay is how long a Disconnected connection may linger
	// before an ICE restart is attempted. Failed restarts immediately.
	DefaultRestartDelay = 2 * time.Second

	DefaultMaxRestartAttempts = 3
)

// Target encoder parameters. Pion exposes no per-encoding setParameters,
// so the capture layer applies these when it configures its encoders.
const (
	AudioMaxBitrate       = 128_000
	ScreenShareMaxBitrate = 2_500_000
)

// Fatal reasons passed to Config.OnFatal.
const (
	ReasonOfferTimeout        = "offer_timeout"
	ReasonICERestartExhausted = "ice_restart_exhausted"
)

var ErrNegotiatorClosed = errors.New("negotiator is closed")

// Signaler carries local session descriptions and ICE candidates to the
// server. The gateway connection satisfies it through a thin adapter.
type Signaler interface {
	SendRtcOffer(sdp string) error
	SendRtcAnswer(sdp string) error
	SendRtcCandidate(candidate webrtc.ICECandidateInit) error
}

type Config struct {
	// ICEServers comes from the RTC_READY event, TURN credentials included.
	ICEServers []webrtc.ICEServer

	Signaler Signaler

	// AudioTrack supplies the local microphone track. The negotiator waits
	// for it before answering the initial offer so the first exchange
	// already carries audio both ways.
	AudioTrack func(ctx context.Context) (webrtc.TrackLocal, error)

	// OnRemoteTrack receives forwarded tracks from other users.
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnFatal reports unrecoverable negotiation failures. The session layer
	// is expected to tear down and rejoin voice.
	OnFatal func(reason string)

	// OnFirstNegotiation fires once, after the first offer/answer exchange
	// completes, so the capture layer can start its encoders.
	OnFirstNegotiation func()

	AnswerTimeout      time.Duration
	RestartDelay       time.Duration
	MaxRestartAttempts int
}

// Negotiator owns the client peer connection. A single mutex is held across
// each SDP exchange so offers, answers and candidate application keep a
// total order regardless of which goroutine delivers them.
type Negotiator struct {
	cfg Config
	pc  *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	makingOffer      bool
	negotiated       bool
	pendingOffer     bool
	audioAttached    bool
	queuedCandidates []webrtc.ICECandidateInit
	answerTimer      *time.Timer
	restartTimer     *time.Timer
	restartAttempts  int
	closed           bool

	wg sync.WaitGroup
}

func New(cfg Config) (*Negotiator, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("rtc: signaler is required")
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = DefaultMaxRestartAttempts
	}

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		cfg:    cfg,
		pc:     pc,
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := cfg.Signaler.SendRtcCandidate(candidate.ToJSON()); err != nil {
			slog.Warn("sending ice candidate failed", "component", "rtc", "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		slog.Info("remote track received", "component", "rtc", "kind", track.Kind().String(), "stream", track.StreamID())
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Info("peer connection state changed", "component", "rtc", "state", state.String())
		n.handleConnectionState(state)
	})

	return n, nil
}

// newAPI builds a WebRTC API restricted to the codecs the server forwards:
// Opus for voice, VP9 profile 0 for screen share.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
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

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// HandleRemoteOffer answers a server offer. On glare the local pending offer
// is rolled back first; track additions survive the rollback and ride the
// answer instead.
func (n *Negotiator) HandleRemoteOffer(sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}

	if n.makingOffer || n.pc.SignalingState() != webrtc.SignalingStateStable {
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rolling back local offer: %w", err)
		}
		slog.Info("rolled back local offer for server offer", "component", "rtc")
		n.makingOffer = false
		n.stopAnswerTimerLocked()
	}

	if !n.audioAttached && n.cfg.AudioTrack != nil {
		if err := n.attachAudioLocked(); err != nil {
			return err
		}
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("applying remote offer: %w", err)
	}
	n.flushCandidatesLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("applying local answer: %w", err)
	}
	if err := n.cfg.Signaler.SendRtcAnswer(n.pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}

	n.completeNegotiationLocked()
	n.maybeSendPendingLocked()
	return nil
}

// HandleRemoteAnswer applies the server's answer to our pending offer.
// Answers arriving in any other signaling state are stale (the offer they
// answered was rolled back) and are dropped; the server re-offers if needed.
func (n *Negotiator) HandleRemoteAnswer(sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}

	if n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		slog.Debug("ignoring answer without pending offer", "component", "rtc", "state", n.pc.SignalingState().String())
		return nil
	}

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("applying remote answer: %w", err)
	}
	n.makingOffer = false
	n.stopAnswerTimerLocked()
	n.flushCandidatesLocked()

	n.completeNegotiationLocked()
	n.maybeSendPendingLocked()
	return nil
}

// AddRemoteCandidate applies a server ICE candidate, buffering it when no
// remote description is set yet. Buffered candidates flush in arrival order.
func (n *Negotiator) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}

	if n.pc.RemoteDescription() == nil {
		n.queuedCandidates = append(n.queuedCandidates, candidate)
		return nil
	}
	return n.pc.AddICECandidate(candidate)
}

// Renegotiate sends a fresh offer to the server. While an exchange is in
// flight the request is parked and replayed once signaling returns to
// stable, mirroring how the server queues its own renegotiations.
func (n *Negotiator) Renegotiate() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}

	if n.makingOffer || n.pc.SignalingState() != webrtc.SignalingStateStable {
		n.pendingOffer = true
		return nil
	}
	return n.sendOfferLocked(false)
}

// AttachVideoTrack adds a local screen-share track. The caller starts the
// exchange afterwards, either via Renegotiate or by letting the server offer
// in response to SCREENSHARE_START.
func (n *Negotiator) AttachVideoTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNegotiatorClosed
	}

	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("adding video track: %w", err)
	}
	n.wg.Add(1)
	go n.drainRTCP(sender)
	return sender, nil
}

// RemoveVideoTrack stops sending a screen-share track.
func (n *Negotiator) RemoveVideoTrack(sender *webrtc.RTPSender) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	return n.pc.RemoveTrack(sender)
}

func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	return n.pc.ConnectionState()
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.stopAnswerTimerLocked()
	n.stopRestartTimerLocked()
	n.mu.Unlock()

	n.cancel()
	err := n.pc.Close()
	n.wg.Wait()
	return err
}

func (n *Negotiator) attachAudioLocked() error {
	track, err := n.cfg.AudioTrack(n.ctx)
	if err != nil {
		return fmt.Errorf("acquiring audio track: %w", err)
	}
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding audio track: %w", err)
	}
	n.audioAttached = true
	n.wg.Add(1)
	go n.drainRTCP(sender)
	return nil
}

// drainRTCP reads and discards RTCP packets from an RTP sender so the
// receive buffer never fills and interceptors keep running.
func (n *Negotiator) drainRTCP(sender *webrtc.RTPSender) {
	defer n.wg.Done()

	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *Negotiator) flushCandidatesLocked() {
	for _, candidate := range n.queuedCandidates {
		if err := n.pc.AddICECandidate(candidate); err != nil {
			slog.Warn("applying buffered ice candidate failed", "component", "rtc", "error", err)
		}
	}
	n.queuedCandidates = nil
}

func (n *Negotiator) sendOfferLocked(iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("applying local offer: %w", err)
	}
	n.makingOffer = true
	if err := n.cfg.Signaler.SendRtcOffer(n.pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("sending offer: %w", err)
	}

	// Only the very first exchange is deadline-guarded; once media flows,
	// lost renegotiations surface through connection state instead.
	if !n.negotiated {
		n.armAnswerTimerLocked()
	}
	return nil
}

func (n *Negotiator) maybeSendPendingLocked() {
	if !n.pendingOffer || n.closed {
		return
	}
	if n.makingOffer || n.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	n.pendingOffer = false
	if err := n.sendOfferLocked(false); err != nil {
		slog.Error("queued renegotiation failed", "component", "rtc", "error", err)
	}
}

func (n *Negotiator) completeNegotiationLocked() {
	if n.negotiated {
		return
	}
	n.negotiated = true
	if n.cfg.OnFirstNegotiation != nil {
		// Run outside the mutex; the callback may call back into us.
		go n.cfg.OnFirstNegotiation()
	}
}

func (n *Negotiator) armAnswerTimerLocked() {
	n.stopAnswerTimerLocked()
	n.answerTimer = time.AfterFunc(n.cfg.AnswerTimeout, func() {
		n.mu.Lock()
		stale := n.closed || n.negotiated || !n.makingOffer
		n.mu.Unlock()
		if stale {
			return
		}
		n.fatal(ReasonOfferTimeout)
	})
}

func (n *Negotiator) stopAnswerTimerLocked() {
	if n.answerTimer != nil {
		n.answerTimer.Stop()
		n.answerTimer = nil
	}
}

func (n *Negotiator) stopRestartTimerLocked() {
	if n.restartTimer != nil {
		n.restartTimer.Stop()
		n.restartTimer = nil
	}
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		n.restartAttempts = 0
		n.stopRestartTimerLocked()
		n.mu.Unlock()
	case webrtc.PeerConnectionStateDisconnected:
		// Disconnected often self-heals; give it a moment before restarting.
		n.scheduleRestart(n.cfg.RestartDelay)
	case webrtc.PeerConnectionStateFailed:
		n.scheduleRestart(0)
	}
}

func (n *Negotiator) scheduleRestart(delay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.restartTimer != nil {
		return
	}
	if n.restartAttempts >= n.cfg.MaxRestartAttempts {
		go n.fatal(ReasonICERestartExhausted)
		return
	}
	n.restartAttempts++
	attempt := n.restartAttempts

	n.restartTimer = time.AfterFunc(delay, func() {
		n.mu.Lock()
		n.restartTimer = nil
		if n.closed {
			n.mu.Unlock()
			return
		}
		slog.Info("attempting ICE restart", "component", "rtc", "attempt", attempt)
		err := n.sendOfferLocked(true)
		n.mu.Unlock()
		if err != nil {
			slog.Error("ICE restart offer failed", "component", "rtc", "attempt", attempt, "error", err)
		}
	})
}

func (n *Negotiator) fatal(reason string) {
	slog.Error("negotiation failed", "component", "rtc", "reason", reason)
	if n.cfg.OnFatal != nil {
		n.cfg.OnFatal(reason)
	}
}
