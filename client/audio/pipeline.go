// Package audio implements the client capture pipeline. Raw PCM frames pass
// through noise suppression and dynamic range compression before reaching
// the encoder sink, while a hold-based voice activity detector drives
// speaking indicators. Stages swap at frame boundaries, so retuning the
// pipeline never restarts capture.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// SampleRate is the pipeline's fixed rate; Opus voice runs at 48kHz.
	SampleRate = 48000

	// FrameSize is the number of samples in one 20ms mono frame.
	FrameSize = 960

	// vadWindowSamples is how much audio the detector averages per decision,
	// 50ms at SampleRate.
	vadWindowSamples = 2400
)

const (
	// DefaultVADThreshold is the RMS level treated as speech, roughly -50dBFS.
	DefaultVADThreshold = 0.003

	// DefaultVADHold keeps the speaking state up through short pauses.
	DefaultVADHold = 250 * time.Millisecond
)

// Source produces successive frames of mono float32 PCM at SampleRate.
type Source interface {
	// ReadFrame fills dst and returns io.EOF once the capture ends.
	ReadFrame(dst []float32) error
}

// Sink consumes processed frames, typically an Opus encoder feeding the
// local audio track.
type Sink interface {
	WriteFrame(frame []float32) error
}

type Config struct {
	Source Source
	Sink   Sink

	// Suppressor names a registered noise suppressor. Empty selects the
	// pass-through suppressor.
	Suppressor string

	CompressorEnabled bool

	VADThreshold float64
	VADHold      time.Duration

	// OnSpeaking receives voice activity edges: true when speech starts,
	// false once the hold window drains.
	OnSpeaking func(speaking bool)
}

// Pipeline owns the capture processing graph. All stage mutation happens
// under one mutex between frames, which is what makes SetSuppressor and
// SetCompressorEnabled lossless.
type Pipeline struct {
	source     Source
	sink       Sink
	onSpeaking func(bool)

	mu                sync.Mutex
	suppressor        Suppressor
	suppressorName    string
	compressor        *Compressor
	compressorEnabled bool
	muted             bool
	vad               vad

	frame []float32
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("audio: pipeline requires a source and a sink")
	}

	name := cfg.Suppressor
	if name == "" {
		name = SuppressorNone
	}
	suppressor, err := newSuppressor(name, SampleRate)
	if err != nil {
		return nil, err
	}

	threshold := cfg.VADThreshold
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	hold := cfg.VADHold
	if hold <= 0 {
		hold = DefaultVADHold
	}

	return &Pipeline{
		source:            cfg.Source,
		sink:              cfg.Sink,
		onSpeaking:        cfg.OnSpeaking,
		suppressor:        suppressor,
		suppressorName:    name,
		compressor:        NewCompressor(SampleRate),
		compressorEnabled: cfg.CompressorEnabled,
		vad: vad{
			threshold:   threshold,
			holdSamples: int(float64(SampleRate) * hold.Seconds()),
		},
		frame: make([]float32, FrameSize),
	}, nil
}

// Run pulls frames from the source until the context is cancelled or the
// source is exhausted.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("audio pipeline started", "component", "audio", "suppressor", p.SuppressorName())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := p.step(); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("audio source ended", "component", "audio")
				return nil
			}
			return fmt.Errorf("audio pipeline: %w", err)
		}
	}
}

// step pulls one frame through the graph. Split out of Run so tests can
// drive the pipeline synchronously.
func (p *Pipeline) step() error {
	if err := p.source.ReadFrame(p.frame); err != nil {
		return err
	}

	p.mu.Lock()
	if p.muted {
		// Keep draining the source so capture timing stays intact, but
		// nothing reaches the encoder and the detector stays idle.
		p.mu.Unlock()
		return nil
	}

	p.suppressor.ProcessFrame(p.frame)
	if p.compressorEnabled {
		p.compressor.ProcessFrame(p.frame)
	}
	edge, speaking := p.vad.feed(p.frame)
	onSpeaking := p.onSpeaking
	err := p.sink.WriteFrame(p.frame)
	p.mu.Unlock()

	if edge && onSpeaking != nil {
		onSpeaking(speaking)
	}
	return err
}

// SetMuted gates the pipeline. Muting forces the detector idle immediately
// so the speaking indicator never outlives the audio.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	wasSpeaking := false
	if muted && !p.muted {
		wasSpeaking = p.vad.forceIdle()
	}
	p.muted = muted
	onSpeaking := p.onSpeaking
	p.mu.Unlock()

	if wasSpeaking && onSpeaking != nil {
		onSpeaking(false)
	}
}

func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetSuppressor swaps the noise suppressor between frames. The previous
// stage is closed after the swap; capture never restarts.
func (p *Pipeline) SetSuppressor(name string) error {
	next, err := newSuppressor(name, SampleRate)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.suppressor
	p.suppressor = next
	p.suppressorName = name
	p.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			slog.Warn("closing suppressor failed", "component", "audio", "error", err)
		}
	}
	slog.Info("suppressor changed", "component", "audio", "suppressor", name)
	return nil
}

func (p *Pipeline) SuppressorName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressorName
}

func (p *Pipeline) SetCompressorEnabled(enabled bool) {
	p.mu.Lock()
	p.compressorEnabled = enabled
	p.mu.Unlock()
}

func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressor.Close()
}

// vad is a hold-based voice activity detector. It is sample-counted rather
// than clock-based so identical input always yields identical edges.
type vad struct {
	threshold   float64
	holdSamples int

	sumSquares    float64
	windowCount   int
	holdRemaining int
	speaking      bool
}

// feed accumulates a frame and reports a speaking edge when one occurs.
func (v *vad) feed(frame []float32) (edge bool, speaking bool) {
	for _, sample := range frame {
		s := float64(sample)
		v.sumSquares += s * s
	}
	v.windowCount += len(frame)
	if v.windowCount < vadWindowSamples {
		return false, v.speaking
	}

	rms := math.Sqrt(v.sumSquares / float64(v.windowCount))
	samples := v.windowCount
	v.sumSquares = 0
	v.windowCount = 0

	if rms >= v.threshold {
		v.holdRemaining = v.holdSamples
		if !v.speaking {
			v.speaking = true
			return true, true
		}
		return false, true
	}

	if v.speaking {
		v.holdRemaining -= samples
		if v.holdRemaining <= 0 {
			v.speaking = false
			return true, false
		}
	}
	return false, v.speaking
}

// forceIdle resets the detector and reports whether it was speaking.
func (v *vad) forceIdle() bool {
	v.sumSquares = 0
	v.windowCount = 0
	v.holdRemaining = 0
	if v.speaking {
		v.speaking = false
		return true
	}
	return false
}
