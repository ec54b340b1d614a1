package sfu

import (
	"errors"
	"testing"
)

func newTestSFU(t *testing.T) *SFU {
	t.Helper()
	s, err := New(&Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestHandleOfferUnknownPeer(t *testing.T) {
	s := newTestSFU(t)

	_, err := s.HandleOffer("usr_missing", "v=0")
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}

	var peerErr *PeerError
	if !errors.As(err, &peerErr) {
		t.Fatalf("expected *PeerError, got %T", err)
	}
	if peerErr.Kind != ErrKindFatal {
		t.Fatalf("expected fatal kind, got %v", peerErr.Kind)
	}
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatal("expected error to wrap ErrPeerNotFound")
	}
}

func TestHandleAnswerUnknownPeer(t *testing.T) {
	s := newTestSFU(t)

	err := s.HandleAnswer("usr_missing", "v=0")
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestHandleICECandidateUnknownPeer(t *testing.T) {
	s := newTestSFU(t)

	err := s.HandleICECandidate("usr_missing", "candidate:1", nil, nil)
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestGetParticipantIDsExcludes(t *testing.T) {
	s := newTestSFU(t)

	s.mu.Lock()
	s.peers["usr_1"] = &Peer{ID: "usr_1"}
	s.peers["usr_2"] = &Peer{ID: "usr_2"}
	s.mu.Unlock()

	ids := s.GetParticipantIDs("usr_1")
	if len(ids) != 1 || ids[0] != "usr_2" {
		t.Fatalf("expected only usr_2, got %v", ids)
	}
}

func TestIsNegotiatingDefaultsFalse(t *testing.T) {
	s := newTestSFU(t)
	if s.IsNegotiating("usr_1") {
		t.Fatal("fresh SFU should have no outstanding offers")
	}
}

func TestPeerErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name string
		err  *PeerError
		kind ErrorKind
	}{
		{name: "fatal", err: NewFatalError("usr_1", "Op", base), kind: ErrKindFatal},
		{name: "transient", err: NewTransientError("usr_1", "Op", base), kind: ErrKindTransient},
		{name: "peer_closed", err: NewPeerClosedError("usr_1", "Op"), kind: ErrKindPeerClosed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, tc.err.Kind)
			}
			if tc.err.PeerID != "usr_1" {
				t.Fatalf("expected peer ID to be preserved, got %q", tc.err.PeerID)
			}
			if tc.kind != ErrKindPeerClosed && !errors.Is(tc.err, base) {
				t.Fatal("expected wrapped error to be reachable via errors.Is")
			}
		})
	}
}
