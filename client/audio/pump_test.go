package audio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

type channelTrack struct {
	packets chan *rtp.Packet
}

func (c *channelTrack) WriteRTP(p *rtp.Packet) error {
	// The pump reuses its read buffer, so keep a detached copy.
	cp := p.Clone()
	select {
	case c.packets <- cp:
	default:
	}
	return nil
}

func TestPumpRewritesPayloadType(t *testing.T) {
	track := &channelTrack{packets: make(chan *rtp.Packet, 8)}
	pump, err := NewPump("127.0.0.1:0", track, 111)
	if err != nil {
		t.Fatalf("NewPump failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- pump.Run(ctx) }()

	conn, err := net.Dial("udp", pump.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Garbage first: the pump must drop it and keep going.
	if _, err := conn.Write([]byte{0x00}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 7,
			Timestamp:      960,
		},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case got := <-track.packets:
		if got.PayloadType != 111 {
			t.Fatalf("expected payload type rewritten to 111, got %d", got.PayloadType)
		}
		if got.SequenceNumber != 7 {
			t.Fatalf("expected sequence number preserved, got %d", got.SequenceNumber)
		}
		if len(got.Payload) != 3 || got.Payload[0] != 1 {
			t.Fatalf("unexpected payload %v", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never reached the track")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on cancel")
	}
}
