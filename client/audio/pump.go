package audio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtp"
)

const maxRTPPacketSize = 1500

// RTPWriter is the subset of webrtc.TrackLocalStaticRTP the pump needs.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Pump forwards RTP from a local UDP socket into a WebRTC track. External
// encoders address their RTP output at the pump, which rewrites the payload
// type to the negotiated one before handing packets to the track.
type Pump struct {
	conn        *net.UDPConn
	track       RTPWriter
	payloadType uint8
}

func NewPump(addr string, track RTPWriter, payloadType uint8) (*Pump, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Pump{conn: conn, track: track, payloadType: payloadType}, nil
}

// LocalAddr reports the bound address, needed when the pump was created
// with port 0.
func (p *Pump) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Run forwards packets until the context is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	defer p.conn.Close()

	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()

	slog.Info("rtp pump started", "component", "audio", "addr", p.conn.LocalAddr().String(), "payload_type", p.payloadType)

	buf := make([]byte, maxRTPPacketSize)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading rtp packet: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Warn("dropping malformed rtp packet", "component", "audio", "error", err)
			continue
		}

		// The encoder picks its own payload type; rewrite it to the one
		// negotiated with the server.
		pkt.Header.PayloadType = p.payloadType

		// Writes fail until the DTLS transport is up. Retry instead of
		// dropping the head of the stream.
		for {
			if err := p.track.WriteRTP(&pkt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("rtp write failed, retrying", "component", "audio", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			break
		}
	}
}
