package audio

import (
	"math"
	"time"
)

// Compressor settings. The static curve is the usual soft-knee design
// computed in the dB domain; attack and release smooth the gain reduction
// envelope rather than the signal itself.
const (
	compressorThresholdDB = -40.0
	compressorKneeDB      = 20.0
	compressorRatio       = 8.0
	compressorAttack      = 5 * time.Millisecond
	compressorRelease     = 250 * time.Millisecond

	silenceFloorDB = -120.0
)

// Compressor levels out the wide loudness swings of untreated microphones.
// There is no makeup gain, so it only ever attenuates.
type Compressor struct {
	attackCoef  float64
	releaseCoef float64
	reductionDB float64
}

func NewCompressor(sampleRate int) *Compressor {
	return &Compressor{
		attackCoef:  envelopeCoef(compressorAttack, sampleRate),
		releaseCoef: envelopeCoef(compressorRelease, sampleRate),
	}
}

// envelopeCoef derives a one-pole smoothing coefficient from a time constant.
func envelopeCoef(tc time.Duration, sampleRate int) float64 {
	return math.Exp(-1 / (tc.Seconds() * float64(sampleRate)))
}

// ProcessFrame compresses a frame in place.
func (c *Compressor) ProcessFrame(frame []float32) {
	for i, sample := range frame {
		level := silenceFloorDB
		if abs := math.Abs(float64(sample)); abs > 0 {
			level = 20 * math.Log10(abs)
			if level < silenceFloorDB {
				level = silenceFloorDB
			}
		}

		target := staticGainDB(level)

		// Attack when more reduction is needed, release when less.
		coef := c.releaseCoef
		if target < c.reductionDB {
			coef = c.attackCoef
		}
		c.reductionDB = coef*c.reductionDB + (1-coef)*target

		frame[i] = sample * float32(math.Pow(10, c.reductionDB/20))
	}
}

// staticGainDB returns the desired gain change in dB for an input level:
// zero below the knee, the full ratio above it, and a quadratic blend
// through the knee region.
func staticGainDB(level float64) float64 {
	diff := level - compressorThresholdDB
	switch {
	case 2*diff < -compressorKneeDB:
		return 0
	case 2*math.Abs(diff) <= compressorKneeDB:
		over := diff + compressorKneeDB/2
		return (1/compressorRatio - 1) * over * over / (2 * compressorKneeDB)
	default:
		return diff * (1/compressorRatio - 1)
	}
}
