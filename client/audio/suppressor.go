package audio

import (
	"fmt"
	"sync"
)

// Suppressor removes background noise from a frame in place.
type Suppressor interface {
	ProcessFrame(frame []float32)
	Close() error
}

// Well-known suppressor names. The RNNoise and Speex implementations are
// cgo bindings that register themselves from build-tagged packages; only
// the pass-through is always available.
const (
	SuppressorNone    = "none"
	SuppressorRNNoise = "rnnoise"
	SuppressorSpeex   = "speex"
)

// SuppressorFactory builds a suppressor for the given sample rate.
type SuppressorFactory func(sampleRate int) (Suppressor, error)

var (
	suppressorsMu sync.RWMutex
	suppressors   = map[string]SuppressorFactory{
		SuppressorNone: func(int) (Suppressor, error) { return noneSuppressor{}, nil },
	}
)

// RegisterSuppressor makes a suppressor selectable under name, replacing
// any previous registration.
func RegisterSuppressor(name string, factory SuppressorFactory) {
	suppressorsMu.Lock()
	defer suppressorsMu.Unlock()
	suppressors[name] = factory
}

func newSuppressor(name string, sampleRate int) (Suppressor, error) {
	suppressorsMu.RLock()
	factory, ok := suppressors[name]
	suppressorsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown suppressor %q", name)
	}
	return factory(sampleRate)
}

type noneSuppressor struct{}

func (noneSuppressor) ProcessFrame([]float32) {}
func (noneSuppressor) Close() error           { return nil }
