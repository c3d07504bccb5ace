package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/polyglot-tts/internal/tts"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Index *int   `json:"index,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeKindError(w http.ResponseWriter, status int, kind tts.ErrorKind, index int, msg string) {
	body := errorBody{Error: msg, Kind: string(kind)}
	if index != tts.NoIndex {
		body.Index = &index
	}
	writeJSON(w, status, body)
}

// statusFor maps a synthesis error to its HTTP status and client message.
// Engine diagnostics never reach the message.
func statusFor(err error) (int, *tts.Error, string) {
	e, _ := tts.AsError(err)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, e, "synthesis timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, e, "request cancelled"
	case e == nil:
		return http.StatusInternalServerError, nil, "internal error"
	}

	switch e.Kind {
	case tts.KindValidation:
		return http.StatusUnprocessableEntity, e, e.Error()
	case tts.KindInvalidVoice:
		return http.StatusBadRequest, e, "Unsupported language: " + e.Detail
	default:
		return http.StatusInternalServerError, e, tts.ErrSynthesisFailed.Error()
	}
}
