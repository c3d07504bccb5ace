package audio

import (
	"errors"
	"fmt"
	"time"
)

// Format describes interleaved little-endian PCM sample data.
type Format struct {
	Channels    int `json:"channels"`
	SampleWidth int `json:"sample_width"` // bytes per sample
	SampleRate  int `json:"sample_rate"`  // Hz
}

// ErrInvalidFormat is returned when a Format cannot describe PCM data.
var ErrInvalidFormat = errors.New("invalid audio format")

// Validate reports whether f is usable for PCM data.
func (f Format) Validate() error {
	if f.Channels < 1 {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	}
	if f.SampleWidth < 1 || f.SampleWidth > 4 {
		return fmt.Errorf("%w: sample width %d bytes", ErrInvalidFormat, f.SampleWidth)
	}
	if f.SampleRate < 1 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	return nil
}

// FrameSize is the number of bytes holding one sample for every channel.
func (f Format) FrameSize() int {
	return f.Channels * f.SampleWidth
}

// BitDepth is the sample width in bits.
func (f Format) BitDepth() int {
	return f.SampleWidth * 8
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz", f.Channels, f.BitDepth(), f.SampleRate)
}

// Buffer is a block of PCM audio with its format header.
type Buffer struct {
	Format Format
	Data   []byte
}

// Frames returns the number of complete frames held in b.
func (b Buffer) Frames() int {
	size := b.Format.FrameSize()
	if size == 0 {
		return 0
	}
	return len(b.Data) / size
}

// Duration is the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.Format.SampleRate)
}

// Validate checks the format and that Data holds only whole frames.
func (b Buffer) Validate() error {
	if err := b.Format.Validate(); err != nil {
		return err
	}
	if len(b.Data)%b.Format.FrameSize() != 0 {
		return fmt.Errorf("%w: %d data bytes is not a multiple of frame size %d",
			ErrInvalidFormat, len(b.Data), b.Format.FrameSize())
	}
	return nil
}
