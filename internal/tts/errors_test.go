package tts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/example/polyglot-tts/internal/metrics"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindInvalidVoice, Index: 1, Detail: "zz"}, "segment 1: unsupported voice: zz"},
		{&Error{Kind: KindInvalidVoice, Index: NoIndex, Detail: "zz"}, "unsupported voice: zz"},
		{&Error{Kind: KindSynthesisFailed, Index: NoIndex, cause: errors.New("onnx: bad tensor")}, "speech synthesis failed"},
		{validationError(2, "text must not be empty"), "segment 2: invalid request: text must not be empty"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q; want %q", got, tt.want)
		}
	}
}

func TestError_Is(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindSynthesisFailed, Index: 0, cause: cause})

	if !errors.Is(err, ErrSynthesisFailed) {
		t.Error("errors.Is(ErrSynthesisFailed) = false")
	}
	if errors.Is(err, ErrInvalidVoice) {
		t.Error("errors.Is(ErrInvalidVoice) = true")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause not reachable through Unwrap")
	}

	e, ok := AsError(err)
	if !ok || e.Index != 0 {
		t.Errorf("AsError = %+v, %v", e, ok)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.OutcomeOK},
		{&Error{Kind: KindSynthesisFailed, cause: context.DeadlineExceeded}, metrics.OutcomeTimeout},
		{context.Canceled, metrics.OutcomeCanceled},
		{&Error{Kind: KindInvalidVoice}, "invalid_voice"},
		{errors.New("other"), metrics.OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q; want %q", tt.err, got, tt.want)
		}
	}
}
