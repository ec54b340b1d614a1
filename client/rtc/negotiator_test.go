package rtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type captureSignaler struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates []webrtc.ICECandidateInit
}

func (s *captureSignaler) SendRtcOffer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sdp)
	return nil
}

func (s *captureSignaler) SendRtcAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *captureSignaler) SendRtcCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *captureSignaler) counts() (offers, answers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), len(s.answers)
}

func testAudioTrack(context.Context) (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "local")
}

func newScreenTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP9,
		ClockRate: 90000,
	}, "video", "local")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP failed: %v", err)
	}
	return track
}

func newTestNegotiator(t *testing.T, cfg Config) (*Negotiator, *captureSignaler) {
	t.Helper()
	sig := &captureSignaler{}
	cfg.Signaler = sig
	if cfg.AudioTrack == nil {
		cfg.AudioTrack = testAudioTrack
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n, sig
}

// newOfferPeer builds a stand-in for the server side of the exchange. Only
// its offers are consumed; it never completes the handshake.
func newOfferPeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		t.Fatalf("AddTransceiverFromKind failed: %v", err)
	}
	return pc
}

func offerFrom(t *testing.T, pc *webrtc.PeerConnection) string {
	t.Helper()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	return offer.SDP
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	n, sig := newTestNegotiator(t, Config{})

	mid := "0"
	idx := uint16(0)
	candidate := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := n.AddRemoteCandidate(candidate); err != nil {
		t.Fatalf("AddRemoteCandidate failed: %v", err)
	}

	n.mu.Lock()
	queued := len(n.queuedCandidates)
	n.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued candidate before the offer, got %d", queued)
	}

	server := newOfferPeer(t)
	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("HandleRemoteOffer failed: %v", err)
	}

	n.mu.Lock()
	queued = len(n.queuedCandidates)
	n.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected queue flushed after the offer, got %d", queued)
	}

	_, answers := sig.counts()
	if answers != 1 {
		t.Fatalf("expected exactly one answer, got %d", answers)
	}
	sig.mu.Lock()
	answer := sig.answers[0]
	sig.mu.Unlock()
	if !strings.HasPrefix(answer, "v=0") {
		t.Fatalf("answer does not look like SDP: %q", answer)
	}
}

func TestGlareRollsBackLocalOffer(t *testing.T) {
	n, sig := newTestNegotiator(t, Config{})
	server := newOfferPeer(t)

	// First exchange establishes audio.
	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("initial offer failed: %v", err)
	}

	// Local screen share renegotiation goes out...
	if _, err := n.AttachVideoTrack(newScreenTrack(t)); err != nil {
		t.Fatalf("AttachVideoTrack failed: %v", err)
	}
	if err := n.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate failed: %v", err)
	}
	offers, _ := sig.counts()
	if offers != 1 {
		t.Fatalf("expected our offer to be sent, got %d", offers)
	}
	n.mu.Lock()
	making := n.makingOffer
	n.mu.Unlock()
	if !making {
		t.Fatal("expected an offer in flight")
	}

	// ...and crosses a server offer carrying the same topology change.
	if _, err := server.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		t.Fatalf("AddTransceiverFromKind failed: %v", err)
	}
	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("glare offer failed: %v", err)
	}

	_, answers := sig.counts()
	if answers != 2 {
		t.Fatalf("expected the server offer to be answered, got %d answers", answers)
	}
	n.mu.Lock()
	making = n.makingOffer
	n.mu.Unlock()
	if making {
		t.Fatal("local offer must be abandoned after rollback")
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		t.Fatalf("expected stable signaling after the exchange, got %v", state)
	}
}

func TestAnswerTimeoutReportsFatal(t *testing.T) {
	fatals := make(chan string, 4)
	n, _ := newTestNegotiator(t, Config{
		AnswerTimeout: 30 * time.Millisecond,
		OnFatal:       func(reason string) { fatals <- reason },
	})

	if _, err := n.AttachVideoTrack(newScreenTrack(t)); err != nil {
		t.Fatalf("AttachVideoTrack failed: %v", err)
	}
	if err := n.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate failed: %v", err)
	}

	select {
	case reason := <-fatals:
		if reason != ReasonOfferTimeout {
			t.Fatalf("expected %q, got %q", ReasonOfferTimeout, reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answer timeout never fired")
	}
}

func TestRenegotiationOffersSkipAnswerTimer(t *testing.T) {
	n, sig := newTestNegotiator(t, Config{
		AnswerTimeout: 50 * time.Millisecond,
		OnFatal:       func(reason string) { t.Errorf("unexpected fatal: %s", reason) },
	})
	server := newOfferPeer(t)

	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("initial offer failed: %v", err)
	}

	n.mu.Lock()
	negotiated := n.negotiated
	n.mu.Unlock()
	if !negotiated {
		t.Fatal("expected negotiated after first exchange")
	}

	// Further offers are not deadline-guarded once negotiated.
	if err := n.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate failed: %v", err)
	}
	n.mu.Lock()
	timerArmed := n.answerTimer != nil
	n.mu.Unlock()
	if timerArmed {
		t.Fatal("renegotiation offers must not arm the answer timer")
	}

	offers, _ := sig.counts()
	if offers != 1 {
		t.Fatalf("expected one offer, got %d", offers)
	}
	// Give a stray timer a chance to fire into the t.Errorf above.
	time.Sleep(100 * time.Millisecond)
}

func TestICERestartExhaustionReportsFatal(t *testing.T) {
	fatals := make(chan string, 8)
	n, _ := newTestNegotiator(t, Config{
		AnswerTimeout:      10 * time.Second,
		RestartDelay:       time.Millisecond,
		MaxRestartAttempts: 1,
		OnFatal:            func(reason string) { fatals <- reason },
	})

	// Prime a local description so restart offers have an ICE session.
	if _, err := n.AttachVideoTrack(newScreenTrack(t)); err != nil {
		t.Fatalf("AttachVideoTrack failed: %v", err)
	}
	if err := n.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		n.handleConnectionState(webrtc.PeerConnectionStateFailed)
		time.Sleep(25 * time.Millisecond)
	}

	select {
	case reason := <-fatals:
		if reason != ReasonICERestartExhausted {
			t.Fatalf("expected %q, got %q", ReasonICERestartExhausted, reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart exhaustion never reported")
	}
}

func TestConnectedResetsRestartBudget(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})

	n.mu.Lock()
	n.restartAttempts = 3
	n.mu.Unlock()

	n.handleConnectionState(webrtc.PeerConnectionStateConnected)

	n.mu.Lock()
	attempts := n.restartAttempts
	n.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected restart budget reset on connect, got %d", attempts)
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})

	// No offer in flight: the answer belongs to a rolled-back offer and must
	// be dropped without touching the connection.
	if err := n.HandleRemoteAnswer("v=0"); err != nil {
		t.Fatalf("stale answer must be ignored, got %v", err)
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		t.Fatalf("expected stable signaling, got %v", state)
	}
}

func TestFirstNegotiationCallbackFiresOnce(t *testing.T) {
	done := make(chan struct{}, 2)
	n, _ := newTestNegotiator(t, Config{
		OnFirstNegotiation: func() { done <- struct{}{} },
	})
	server := newOfferPeer(t)

	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("initial offer failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first negotiation callback never fired")
	}

	// A follow-up exchange must not fire it again.
	if err := n.HandleRemoteOffer(offerFrom(t, server)); err != nil {
		t.Fatalf("renegotiation offer failed: %v", err)
	}
	select {
	case <-done:
		t.Fatal("callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	n, _ := newTestNegotiator(t, Config{})
	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := n.Renegotiate(); err != ErrNegotiatorClosed {
		t.Fatalf("expected ErrNegotiatorClosed, got %v", err)
	}
	if err := n.AddRemoteCandidate(webrtc.ICECandidateInit{}); err != ErrNegotiatorClosed {
		t.Fatalf("expected ErrNegotiatorClosed, got %v", err)
	}
	// Close is idempotent.
	if err := n.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
