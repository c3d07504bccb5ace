package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// ContentType is the media type of the container produced by EncodeWAV.
const ContentType = "audio/wav"

// ErrEmptyBuffer is returned by EncodeWAV for a buffer without samples.
var ErrEmptyBuffer = errors.New("audio buffer holds no samples")

// EncodeWAV wraps the PCM data of b in a RIFF/WAVE container using b's format.
func EncodeWAV(b Buffer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if len(b.Data) == 0 {
		return nil, ErrEmptyBuffer
	}

	var buf bytes.Buffer

	// wav.NewEncoder requires an io.WriteSeeker; bytes.Buffer is not one.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, b.Format.SampleRate, b.Format.BitDepth(), b.Format.Channels, 1) // 1 = PCM

	// Frames are written as raw little-endian bytes so the PCM payload is
	// stored unchanged; the encoder counts one frame per call.
	frame := b.Format.FrameSize()
	for off := 0; off < len(b.Data); off += frame {
		if err := enc.WriteFrame(b.Data[off : off+frame]); err != nil {
			return nil, fmt.Errorf("writing PCM: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// PCM16 converts float samples in [-1, 1] to a mono 16-bit buffer.
// Out-of-range samples are clamped.
func PCM16(samples []float32, sampleRate int) Buffer {
	fullScale := float64(goaudio.IntMaxSignedValue(16))
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := math.Max(-1.0, math.Min(1.0, float64(s)))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(clamped*fullScale)))
	}
	return Buffer{
		Format: Format{Channels: 1, SampleWidth: 2, SampleRate: sampleRate},
		Data:   data,
	}
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	// If writing at the end, just append.
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	// Writing in the middle: overwrite existing bytes.
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		data = append(data, p[n:]...)
		s.buf.Reset()
		s.buf.Write(data)
		n = len(p)
	}
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case 0: // io.SeekStart
		newPos = int(offset)
	case 1: // io.SeekCurrent
		newPos = s.pos + int(offset)
	case 2: // io.SeekEnd
		newPos = s.buf.Len() + int(offset)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seek before start")
	}
	s.pos = newPos
	return int64(newPos), nil
}
