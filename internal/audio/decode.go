package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
)

// wavFormatPCM is the WAVE format tag for integer PCM.
const wavFormatPCM = 1

// DecodeWAV parses a PCM WAV container and returns its sample data as raw
// little-endian bytes together with the format found in the header.
func DecodeWAV(data []byte) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Buffer{}, errors.New("invalid WAV file")
	}
	tag := dec.WavAudioFormat
	if dec.FmtChunk != nil {
		tag = dec.FmtChunk.EffectiveFormatTag()
	}
	if tag != wavFormatPCM {
		return Buffer{}, fmt.Errorf("%w: WAVE format tag %d is not PCM", ErrInvalidFormat, tag)
	}

	format := Format{
		Channels:    int(dec.NumChans),
		SampleWidth: int(dec.BitDepth) / 8,
		SampleRate:  int(dec.SampleRate),
	}
	if dec.BitDepth%8 != 0 {
		return Buffer{}, fmt.Errorf("%w: bit depth %d", ErrInvalidFormat, dec.BitDepth)
	}
	if err := format.Validate(); err != nil {
		return Buffer{}, err
	}

	if err := dec.FwdToPCM(); err != nil {
		return Buffer{}, fmt.Errorf("locating PCM data: %w", err)
	}
	pcm := make([]byte, dec.PCMSize)
	if _, err := io.ReadFull(dec.PCMChunk, pcm); err != nil {
		return Buffer{}, fmt.Errorf("reading PCM data: %w", err)
	}

	b := Buffer{Format: format, Data: pcm}
	if err := b.Validate(); err != nil {
		return Buffer{}, err
	}
	return b, nil
}
