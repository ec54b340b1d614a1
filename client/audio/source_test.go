package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
)

func TestReaderSourceDecodesS16LE(t *testing.T) {
	samples := []int16{0, 16384, -16384, 32767, -32768}
	var buf bytes.Buffer
	for _, s := range samples {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(s))
		buf.Write(b[:])
	}

	source := NewReaderSource(&buf)
	dst := make([]float32, len(samples))
	if err := source.ReadFrame(dst); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	want := []float32{0, 0.5, -0.5, 32767.0 / 32768, -1}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("sample %d: got %f, want %f", i, dst[i], want[i])
		}
	}

	if err := source.ReadFrame(dst); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on exhausted reader, got %v", err)
	}
}

func TestReaderSourceTreatsPartialFrameAsEOF(t *testing.T) {
	source := NewReaderSource(bytes.NewReader([]byte{0x01}))
	dst := make([]float32, 4)
	if err := source.ReadFrame(dst); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on truncated frame, got %v", err)
	}
}

func TestWriterSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	frame := []float32{0, 0.5, -0.5, 0.25, -1, 1}
	if err := sink.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	source := NewReaderSource(&buf)
	decoded := make([]float32, len(frame))
	if err := source.ReadFrame(decoded); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	for i := range frame {
		if diff := math.Abs(float64(decoded[i] - frame[i])); diff > 1.0/32768 {
			t.Fatalf("sample %d drifted by %g", i, diff)
		}
	}
}

func TestWriterSinkClampsOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	if err := sink.WriteFrame([]float32{2, -2}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	out := buf.Bytes()
	if got := int16(binary.LittleEndian.Uint16(out[0:])); got != 32767 {
		t.Fatalf("expected positive clamp to 32767, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:])); got != -32767 {
		t.Fatalf("expected negative clamp to -32767, got %d", got)
	}
}
