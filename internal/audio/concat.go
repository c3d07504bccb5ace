package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatMismatch is returned when buffers that must share a format do not.
	ErrFormatMismatch = errors.New("audio format mismatch")

	// ErrNoBuffers is returned by Concatenate when called without input.
	ErrNoBuffers = errors.New("no audio buffers to concatenate")
)

// FormatMismatchError identifies the first buffer whose format differs from
// the reference (first) buffer.
type FormatMismatchError struct {
	Index int
	Want  Format
	Got   Format
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("%s: buffer %d is %s, want %s", ErrFormatMismatch, e.Index, e.Got, e.Want)
}

func (e *FormatMismatchError) Is(target error) bool {
	return target == ErrFormatMismatch
}

// Concatenate joins buffers in order. Every buffer must share the first
// buffer's format; the result carries that format and the input data
// back-to-back with nothing inserted between them.
func Concatenate(buffers ...Buffer) (Buffer, error) {
	if len(buffers) == 0 {
		return Buffer{}, ErrNoBuffers
	}

	ref := buffers[0].Format
	total := 0
	for i, b := range buffers {
		if b.Format != ref {
			return Buffer{}, &FormatMismatchError{Index: i, Want: ref, Got: b.Format}
		}
		total += len(b.Data)
	}

	data := make([]byte, 0, total)
	for _, b := range buffers {
		data = append(data, b.Data...)
	}

	return Buffer{Format: ref, Data: data}, nil
}
