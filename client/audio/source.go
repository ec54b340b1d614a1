package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// ReaderSource adapts a stream of signed 16-bit little-endian PCM, the
// format capture tools emit with `-f s16le -ar 48000 -ac 1`.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) ReadFrame(dst []float32) error {
	need := len(dst) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	if _, err := io.ReadFull(s.r, buf); err != nil {
		// A trailing partial frame is treated as end of capture.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}

	for i := range dst {
		sample := int16(binary.LittleEndian.Uint16(buf[2*i:]))
		dst[i] = float32(sample) / 32768
	}
	return nil
}

// WriterSink emits processed frames as signed 16-bit little-endian PCM,
// suitable for piping into an external encoder's stdin.
type WriterSink struct {
	w   io.Writer
	buf []byte
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) WriteFrame(frame []float32) error {
	need := len(frame) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	for i, sample := range frame {
		v := sample
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v*32767)))
	}

	_, err := s.w.Write(buf)
	return err
}

// CaptureProcess runs an external capture command (ffmpeg, pw-record) and
// exposes its stdout as a Source. Cancelling the context kills the process,
// which surfaces as io.EOF on the next read.
type CaptureProcess struct {
	cmd    *exec.Cmd
	source *ReaderSource
}

func StartCaptureProcess(ctx context.Context, name string, args ...string) (*CaptureProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting capture process: %w", err)
	}

	slog.Info("capture process started", "component", "audio", "command", name)
	return &CaptureProcess{cmd: cmd, source: NewReaderSource(stdout)}, nil
}

func (c *CaptureProcess) ReadFrame(dst []float32) error {
	return c.source.ReadFrame(dst)
}

// Wait reaps the process after the stream ends.
func (c *CaptureProcess) Wait() error {
	return c.cmd.Wait()
}
