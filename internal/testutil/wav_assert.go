package testutil

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/example/polyglot-tts/internal/audio"
)

// AssertValidWAV checks that data is a PCM WAV file with a RIFF header, a fmt
// chunk and a non-empty data chunk. It returns the format read from the header.
func AssertValidWAV(tb testing.TB, data []byte) audio.Format {
	tb.Helper()

	if len(data) < 44 {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		tb.Fatalf("WAV: missing RIFF header (got %q)", string(data[0:4]))
	}

	if string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing WAVE marker (got %q)", string(data[8:12]))
	}

	if string(data[12:16]) != "fmt " {
		tb.Fatalf("WAV: missing fmt chunk (got %q)", string(data[12:16]))
	}

	// fmt chunk fields (little-endian).
	audioFmt := binary.LittleEndian.Uint16(data[20:22])
	if audioFmt != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", audioFmt)
	}

	f := audio.Format{
		Channels:    int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:  int(binary.LittleEndian.Uint32(data[24:28])),
		SampleWidth: int(binary.LittleEndian.Uint16(data[34:36])) / 8,
	}

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}
	if dataSize == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
	if fs := f.FrameSize(); fs > 0 && int(dataSize)%fs != 0 {
		tb.Fatalf("WAV: data size %d is not a multiple of frame size %d", dataSize, fs)
	}

	return f
}

// AssertWAVFormat checks that data is a valid WAV file whose header matches want.
func AssertWAVFormat(tb testing.TB, data []byte, want audio.Format) {
	tb.Helper()

	if got := AssertValidWAV(tb, data); got != want {
		tb.Fatalf("WAV format = %s; want %s", got, want)
	}
}

// AssertWAVDurationApprox asserts that the WAV audio duration falls within
// [minSec, maxSec], using the sample rate and frame size from the header.
func AssertWAVDurationApprox(tb testing.TB, data []byte, minSec, maxSec float64) {
	tb.Helper()

	f := AssertValidWAV(tb, data)
	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV duration check: %v", err)
	}

	frames := int(dataSize) / f.FrameSize()
	durationSec := float64(frames) / float64(f.SampleRate)
	if durationSec < minSec || durationSec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", durationSec, minSec, maxSec)
	}
}

// findDataChunkSize walks the WAV chunk list to locate the "data" sub-chunk
// and returns its size in bytes.
func findDataChunkSize(data []byte) (uint32, error) {
	// Start after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		// Pad to even boundary.
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
