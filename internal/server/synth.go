package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/tts"
)

type ttsRequest struct {
	Text        *string  `json:"text"`
	Lang        *string  `json:"lang"`
	LengthScale *float64 `json:"length_scale"`
}

type segmentRequest struct {
	Text        *string  `json:"text"`
	Lang        *string  `json:"lang"`
	LengthScale *float64 `json:"length_scale"`
}

type polyglotRequest struct {
	Segments *[]segmentRequest `json:"segments"`
}

// requestError is a client error found while decoding a request body.
type requestError struct {
	status int
	index  int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func validationFailure(index int, format string, args ...any) *requestError {
	return &requestError{status: http.StatusUnprocessableEntity, index: index, msg: fmt.Sprintf(format, args...)}
}

// decodeBody reads a single JSON object. Syntax problems are 400, type
// problems 422.
func decodeBody(r *http.Request, limit int64, v any) *requestError {
	if r.Body == nil {
		return &requestError{status: http.StatusBadRequest, index: tts.NoIndex, msg: "request body is required"}
	}
	body := io.Reader(r.Body)
	if limit > 0 {
		body = io.LimitReader(r.Body, limit+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return &requestError{status: http.StatusBadRequest, index: tts.NoIndex, msg: "read request body: " + err.Error()}
	}
	if limit > 0 && int64(len(data)) > limit {
		return &requestError{status: http.StatusRequestEntityTooLarge, index: tts.NoIndex,
			msg: fmt.Sprintf("request body exceeds %d bytes", limit)}
	}
	if len(data) == 0 {
		return &requestError{status: http.StatusBadRequest, index: tts.NoIndex, msg: "request body is required"}
	}

	if err := json.Unmarshal(data, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			if typeErr.Field == "" {
				return validationFailure(tts.NoIndex, "request body must be a JSON object")
			}
			return validationFailure(tts.NoIndex, "%s must be %s", typeErr.Field, jsonTypeName(typeErr.Type))
		}
		return &requestError{status: http.StatusBadRequest, index: tts.NoIndex, msg: "invalid JSON: " + err.Error()}
	}
	return nil
}

// jsonTypeName names t the way a JSON client would.
func jsonTypeName(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "a valid value"
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Struct, reflect.Map:
		return "an object"
	}
	return "a valid value"
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ttsRequest
	if rerr := decodeBody(r, h.opts.maxBodyBytes, &req); rerr != nil {
		h.rejectRequest(w, r, rerr)
		return
	}
	if req.Text == nil {
		h.rejectRequest(w, r, validationFailure(tts.NoIndex, "text is required"))
		return
	}

	seg := tts.Segment{Text: *req.Text, Voice: h.opts.defaultVoice, Speed: h.opts.defaultSpeed}
	if req.Lang != nil {
		seg.Voice = *req.Lang
	}
	if req.LengthScale != nil {
		seg.Speed = *req.LengthScale
	}

	h.synthesize(w, r, []tts.Segment{seg}, func(ctx context.Context) (audio.Buffer, error) {
		return h.synth.Synthesize(ctx, seg)
	})
}

func (h *handler) handlePolyglot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req polyglotRequest
	if rerr := decodeBody(r, h.opts.maxBodyBytes, &req); rerr != nil {
		h.rejectRequest(w, r, rerr)
		return
	}
	if req.Segments == nil {
		h.rejectRequest(w, r, validationFailure(tts.NoIndex, "segments is required"))
		return
	}

	segs := make([]tts.Segment, len(*req.Segments))
	for i, s := range *req.Segments {
		if s.Text == nil {
			h.rejectRequest(w, r, validationFailure(i, "segment %d: text is required", i))
			return
		}
		if s.Lang == nil {
			h.rejectRequest(w, r, validationFailure(i, "segment %d: lang is required", i))
			return
		}
		segs[i] = tts.Segment{Text: *s.Text, Voice: *s.Lang, Speed: h.opts.defaultSpeed}
		if s.LengthScale != nil {
			segs[i].Speed = *s.LengthScale
		}
	}

	h.synthesize(w, r, segs, func(ctx context.Context) (audio.Buffer, error) {
		return h.synth.SynthesizeSegments(ctx, segs)
	})
}

func (h *handler) rejectRequest(w http.ResponseWriter, r *http.Request, rerr *requestError) {
	h.log.InfoContext(r.Context(), "request rejected",
		slog.String("request_id", RequestID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", rerr.status),
		slog.String("reason", rerr.msg),
	)
	if rerr.status == http.StatusUnprocessableEntity {
		writeKindError(w, rerr.status, tts.KindValidation, rerr.index, rerr.msg)
		return
	}
	writeError(w, rerr.status, rerr.msg)
}

// synthesize runs fn under a worker slot and the request deadline, then
// writes the WAV response or the mapped error.
func (h *handler) synthesize(w http.ResponseWriter, r *http.Request, segs []tts.Segment, fn func(context.Context) (audio.Buffer, error)) {
	log := h.log.With(slog.String("request_id", RequestID(r.Context())))
	voices := make([]string, len(segs))
	textLen := 0
	for i, s := range segs {
		voices[i] = s.Voice
		textLen += len(s.Text)
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			log.WarnContext(r.Context(), "request cancelled while waiting for worker")
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	buf, err := fn(ctx)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		status, e, msg := statusFor(err)
		attrs := []any{
			slog.Any("voices", voices),
			slog.Int("segments", len(segs)),
			slog.Int("text_len", textLen),
			slog.Int64("duration_ms", durationMS),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		}
		if status >= http.StatusInternalServerError {
			log.ErrorContext(r.Context(), "synthesis failed", attrs...)
		} else {
			log.InfoContext(r.Context(), "synthesis rejected", attrs...)
		}

		if e == nil {
			writeError(w, status, msg)
			return
		}
		writeKindError(w, status, e.Kind, e.Index, msg)
		return
	}

	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		log.ErrorContext(r.Context(), "wav encoding failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, tts.ErrSynthesisFailed.Error())
		return
	}

	log.InfoContext(r.Context(), "synthesis complete",
		slog.Any("voices", voices),
		slog.Int("segments", len(segs)),
		slog.Int("text_len", textLen),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", len(wav)),
		slog.String("format", buf.Format.String()),
	)

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}
