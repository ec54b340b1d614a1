package audio

import (
	"errors"
	"io"
	"testing"
)

// frameSource hands out queued frames and reports io.EOF once drained.
type frameSource struct {
	frames [][]float32
}

func (s *frameSource) ReadFrame(dst []float32) error {
	if len(s.frames) == 0 {
		return io.EOF
	}
	copy(dst, s.frames[0])
	s.frames = s.frames[1:]
	return nil
}

func (s *frameSource) push(value float32, count int) {
	for i := 0; i < count; i++ {
		frame := make([]float32, FrameSize)
		for j := range frame {
			frame[j] = value
		}
		s.frames = append(s.frames, frame)
	}
}

type captureSink struct {
	frames [][]float32
}

func (s *captureSink) WriteFrame(frame []float32) error {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

type gainSuppressor struct {
	gain   float32
	closed bool
}

func (g *gainSuppressor) ProcessFrame(frame []float32) {
	for i := range frame {
		frame[i] *= g.gain
	}
}

func (g *gainSuppressor) Close() error {
	g.closed = true
	return nil
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	for {
		if err := p.step(); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			t.Fatalf("step failed: %v", err)
		}
	}
}

func TestVADEmitsEdgesWithHold(t *testing.T) {
	source := &frameSource{}
	source.push(0.05, 3) // one full detection window of speech
	source.push(0, 20)   // enough silence to drain the hold

	var events []bool
	p, err := New(Config{
		Source:     source,
		Sink:       &captureSink{},
		OnSpeaking: func(speaking bool) { events = append(events, speaking) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	drain(t, p)

	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("expected [true false] edges, got %v", events)
	}
}

func TestVADHoldBridgesShortPauses(t *testing.T) {
	source := &frameSource{}
	source.push(0.05, 3) // speech
	source.push(0, 3)    // one silent window, well inside the hold
	source.push(0.05, 3) // speech resumes

	var events []bool
	p, err := New(Config{
		Source:     source,
		Sink:       &captureSink{},
		OnSpeaking: func(speaking bool) { events = append(events, speaking) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	drain(t, p)

	if len(events) != 1 || !events[0] {
		t.Fatalf("expected a single true edge across the pause, got %v", events)
	}
}

func TestMuteSkipsSinkAndForcesIdle(t *testing.T) {
	source := &frameSource{}
	source.push(0.05, 3) // trigger speaking
	source.push(0.05, 2) // consumed while muted
	source.push(0.05, 3) // trigger speaking again after unmute

	sink := &captureSink{}
	var events []bool
	p, err := New(Config{
		Source:     source,
		Sink:       sink,
		OnSpeaking: func(speaking bool) { events = append(events, speaking) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if len(events) != 1 || !events[0] {
		t.Fatalf("expected speaking before mute, got %v", events)
	}

	p.SetMuted(true)
	if len(events) != 2 || events[1] {
		t.Fatalf("mute must emit a false edge immediately, got %v", events)
	}

	written := len(sink.frames)
	for i := 0; i < 2; i++ {
		if err := p.step(); err != nil {
			t.Fatalf("muted step failed: %v", err)
		}
	}
	if len(sink.frames) != written {
		t.Fatalf("muted frames must not reach the sink: %d -> %d", written, len(sink.frames))
	}

	p.SetMuted(false)
	drain(t, p)

	if len(events) != 3 || !events[2] {
		t.Fatalf("expected speaking to resume after unmute, got %v", events)
	}
	if len(sink.frames) <= written {
		t.Fatal("frames must flow again after unmute")
	}
}

func TestSetSuppressorSwapsWithoutRestart(t *testing.T) {
	half := &gainSuppressor{gain: 0.5}
	RegisterSuppressor("half", func(int) (Suppressor, error) { return half, nil })

	source := &frameSource{}
	source.push(0.5, 2)

	sink := &captureSink{}
	p, err := New(Config{Source: source, Sink: sink, Suppressor: "half"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if got := sink.frames[0][0]; got != 0.25 {
		t.Fatalf("expected suppressor to halve the frame, got %f", got)
	}

	if err := p.SetSuppressor(SuppressorNone); err != nil {
		t.Fatalf("SetSuppressor failed: %v", err)
	}
	if !half.closed {
		t.Fatal("previous suppressor must be closed after the swap")
	}

	// The very next frame flows through the new stage; no capture restart.
	if err := p.step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if got := sink.frames[1][0]; got != 0.5 {
		t.Fatalf("expected pass-through after swap, got %f", got)
	}
}

func TestSetSuppressorUnknownName(t *testing.T) {
	source := &frameSource{}
	p, err := New(Config{Source: source, Sink: &captureSink{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.SetSuppressor("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered suppressor")
	}
	if got := p.SuppressorName(); got != SuppressorNone {
		t.Fatalf("failed swap must keep the current stage, got %q", got)
	}
}
