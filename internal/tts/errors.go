package tts

import (
	"errors"
	"fmt"
)

// Sentinels matched by *Error through errors.Is.
var (
	ErrValidation      = errors.New("invalid request")
	ErrInvalidVoice    = errors.New("unsupported voice")
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	ErrFormatMismatch  = errors.New("segment audio format mismatch")
)

// ErrorKind classifies orchestrator failures.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindInvalidVoice    ErrorKind = "invalid_voice"
	KindSynthesisFailed ErrorKind = "synthesis_failed"
	KindFormatMismatch  ErrorKind = "format_mismatch"
)

// NoIndex marks errors that do not belong to a segment of a multi-segment request.
const NoIndex = -1

// Error is the typed failure returned by the orchestrator. Its message is
// safe to show to clients; engine diagnostics are only reachable via Unwrap.
type Error struct {
	Kind   ErrorKind
	Index  int    // segment position, or NoIndex
	Detail string // client-facing detail, e.g. the offending voice id
	cause  error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindValidation:
		msg = ErrValidation.Error()
	case KindInvalidVoice:
		msg = ErrInvalidVoice.Error()
	case KindSynthesisFailed:
		msg = ErrSynthesisFailed.Error()
	case KindFormatMismatch:
		msg = ErrFormatMismatch.Error()
	default:
		msg = string(e.Kind)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Index != NoIndex {
		msg = fmt.Sprintf("segment %d: %s", e.Index, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInvalidVoice:
		return e.Kind == KindInvalidVoice
	case ErrSynthesisFailed:
		return e.Kind == KindSynthesisFailed
	case ErrFormatMismatch:
		return e.Kind == KindFormatMismatch
	}
	return false
}

func validationError(index int, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Index: index, Detail: fmt.Sprintf(format, args...)}
}

// AsError extracts the orchestrator error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
