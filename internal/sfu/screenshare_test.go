package sfu

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func newVideoTrack(t *testing.T, userID string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP9,
		ClockRate: 90000,
	}, "video", userID)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP failed: %v", err)
	}
	return track
}

func TestStartShareIsPendingUntilTrackArrives(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	var updates []bool
	sm.SetUpdateCallback(func(userID string, streaming bool) {
		updates = append(updates, streaming)
	})

	sm.StartShare("usr_1")

	if !sm.IsPendingShare("usr_1") {
		t.Fatal("expected pending share before the video track arrives")
	}
	if sm.IsStreaming("usr_1") {
		t.Fatal("should not be streaming before the video track arrives")
	}
	if len(updates) != 0 {
		t.Fatalf("no streaming update should fire before the track arrives, got %v", updates)
	}

	sm.videoTrackArrived("usr_1", newVideoTrack(t, "usr_1"))

	if sm.IsPendingShare("usr_1") {
		t.Fatal("share should no longer be pending")
	}
	if !sm.IsStreaming("usr_1") {
		t.Fatal("expected streaming once the track arrived")
	}
	if len(updates) != 1 || !updates[0] {
		t.Fatalf("expected a single streaming=true update, got %v", updates)
	}
}

func TestStopShareWithoutTrackDoesNotBroadcast(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	var updates []bool
	sm.SetUpdateCallback(func(userID string, streaming bool) {
		updates = append(updates, streaming)
	})

	sm.StartShare("usr_1")
	sm.StopShare("usr_1")

	if len(updates) != 0 {
		t.Fatalf("stopping a pending share must not broadcast, got %v", updates)
	}
	if sm.IsStreaming("usr_1") || sm.IsPendingShare("usr_1") {
		t.Fatal("expected share fully cleared")
	}
}

func TestStopShareAfterTrackBroadcastsFalse(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	var updates []bool
	sm.SetUpdateCallback(func(userID string, streaming bool) {
		updates = append(updates, streaming)
	})

	sm.StartShare("usr_1")
	sm.videoTrackArrived("usr_1", newVideoTrack(t, "usr_1"))
	sm.StopShare("usr_1")

	if len(updates) != 2 || !updates[0] || updates[1] {
		t.Fatalf("expected [true false] updates, got %v", updates)
	}
}

func TestVideoTrackAutoRegisters(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	// Track arrives before the start command was processed
	sm.videoTrackArrived("usr_1", newVideoTrack(t, "usr_1"))

	if !sm.IsStreaming("usr_1") {
		t.Fatal("expected auto-registration when the track arrives first")
	}

	streamers := sm.GetActiveStreamers()
	if len(streamers) != 1 || streamers[0] != "usr_1" {
		t.Fatalf("expected usr_1 as only active streamer, got %v", streamers)
	}
}

func TestSubscribeToUnknownStreamerIsNoop(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	if err := sm.Subscribe("usr_viewer", "usr_nobody"); err != nil {
		t.Fatalf("Subscribe should not error for unknown streamer: %v", err)
	}

	sm.mu.RLock()
	_, subscribed := sm.subscriptions["usr_viewer"]
	sm.mu.RUnlock()
	if subscribed {
		t.Fatal("viewer must not be subscribed to a non-existent stream")
	}
}

func TestSubscribeToPendingShareIsDeferred(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	sm.StartShare("usr_streamer")

	if err := sm.Subscribe("usr_viewer", "usr_streamer"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sm.mu.RLock()
	_, subscribed := sm.subscriptions["usr_viewer"]
	sm.mu.RUnlock()
	if subscribed {
		t.Fatal("subscription must wait for the track to arrive")
	}
}

func TestOnUserDisconnectClearsStreamerAndViewer(t *testing.T) {
	s := newTestSFU(t)
	sm := s.ScreenShare()

	sm.StartShare("usr_1")
	sm.videoTrackArrived("usr_1", newVideoTrack(t, "usr_1"))

	sm.OnUserDisconnect("usr_1")

	if sm.IsStreaming("usr_1") {
		t.Fatal("disconnect must stop the share")
	}
	if got := sm.GetActiveStreamers(); len(got) != 0 {
		t.Fatalf("expected no active streamers, got %v", got)
	}
}
