package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/server"
	"github.com/example/polyglot-tts/internal/testutil"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/ttstest"
)

// stubSynthesizer implements server.Synthesizer for tests.
type stubSynthesizer struct {
	buf  audio.Buffer
	err  error
	segs []tts.Segment
}

func (s *stubSynthesizer) Synthesize(_ context.Context, seg tts.Segment) (audio.Buffer, error) {
	s.segs = []tts.Segment{seg}
	return s.buf, s.err
}

func (s *stubSynthesizer) SynthesizeSegments(_ context.Context, segs []tts.Segment) (audio.Buffer, error) {
	s.segs = segs
	return s.buf, s.err
}

// stubVoiceLister implements server.VoiceLister for tests.
type stubVoiceLister struct {
	voices []tts.Voice
}

func (v *stubVoiceLister) ListVoices() []tts.Voice {
	return v.voices
}

type stubLoaded map[string]bool

func (s stubLoaded) IsLoaded(id string) bool { return s[id] }

var okBuffer = audio.Buffer{
	Format: audio.Format{Channels: 1, SampleWidth: 2, SampleRate: 22050},
	Data:   make([]byte, 200),
}

func newTestHandler(synth server.Synthesizer, voices server.VoiceLister, opts ...server.Option) http.Handler {
	return server.NewHandler(synth, voices, opts...)
}

// newOrchestratorHandler serves a real orchestrator backed by the fake engine.
func newOrchestratorHandler(eng *ttstest.Engine, opts ...server.Option) http.Handler {
	reg := ttstest.Registry("en", "fr", "el", "tr")
	o := tts.NewOrchestrator(reg, tts.NewCache(eng))
	return server.NewHandler(o, reg, opts...)
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Index *int   `json:"index"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == "" {
		t.Error("want non-empty error field")
	}
	return body
}

// ---------------------------------------------------------------------------
// GET /health
// ---------------------------------------------------------------------------

func TestHealth_Returns200WithStatusOK(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("want status=ok, got %q", body["status"])
	}
	if _, ok := body["version"]; !ok {
		t.Error("want version field in response")
	}
}

func TestHealth_ReportsDependencyChecks(t *testing.T) {
	tests := []struct {
		name       string
		up         bool
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{"dependency up", true, http.StatusOK, "ok", "ok"},
		{"dependency down", false, http.StatusServiceUnavailable, "degraded", "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{},
				server.WithHealthCheck("bus", func() bool { return tt.up }))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("want %d, got %d", tt.wantCode, rec.Code)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Checks["bus"] != tt.wantCheck {
				t.Errorf("checks[bus] = %q, want %q", body.Checks["bus"], tt.wantCheck)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// GET /voices
// ---------------------------------------------------------------------------

func TestVoices_ReturnsJSONArrayWithLoadedFlag(t *testing.T) {
	voices := []tts.Voice{
		{ID: "en", Language: "en_US", Model: "/models/en_US-lessac-medium.onnx"},
		{ID: "fr", Language: "fr_FR", Model: "/models/fr/fr_FR-tom-med.onnx"},
	}
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{voices: voices},
		server.WithLoadReporter(stubLoaded{"fr": true}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var got []struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Loaded bool   `json:"loaded"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 voices, got %d", len(got))
	}
	if got[0].ID != "en" || got[1].ID != "fr" {
		t.Errorf("unexpected voice IDs: %v", got)
	}
	if got[0].Loaded || !got[1].Loaded {
		t.Errorf("loaded flags = %v, %v; want false, true", got[0].Loaded, got[1].Loaded)
	}
}

func TestVoices_ReturnsEmptyArrayWhenNoVoices(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("want empty array, got %q", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// POST /tts
// ---------------------------------------------------------------------------

func TestTTS_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	for _, path := range []string{"/tts", "/polyglot"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: want 405, got %d", path, rec.Code)
		}
	}
}

func TestTTS_ReturnsMissingBodyAs400(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := post(h, "/tts", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestTTS_MalformedJSONAs400(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := post(h, "/tts", `{"text": "hi"`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestTTS_FieldErrorsAre422(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	tests := []struct {
		name string
		body string
	}{
		{"missing text", `{}`},
		{"empty text", `{"text":""}`},
		{"text too long", `{"text":"` + strings.Repeat("a", 5001) + `"}`},
		{"length_scale wrong type", `{"text":"hello","length_scale":"abc"}`},
		{"length_scale out of range", `{"text":"hello","length_scale":10.0}`},
		{"text wrong type", `{"text":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, "/tts", tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("want 422, got %d (body: %s)", rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Kind != "validation" {
				t.Errorf("kind = %q; want validation", body.Kind)
			}
		})
	}
}

func TestTypeErrorsUseJSONTypeNames(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	tests := []struct {
		name    string
		path    string
		body    string
		wantMsg string
	}{
		{"array body on /polyglot", "/polyglot", `[]`, "request body must be a JSON object"},
		{"string body on /tts", "/tts", `"hello"`, "request body must be a JSON object"},
		{"segment not an object", "/polyglot", `{"segments":[1]}`, "must be an object"},
		{"segments not an array", "/polyglot", `{"segments":"x"}`, "segments must be an array"},
		{"text not a string", "/tts", `{"text":42}`, "text must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, tt.path, tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("want 422, got %d (body: %s)", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if !strings.Contains(body.Error, tt.wantMsg) {
				t.Errorf("error = %q; want it to contain %q", body.Error, tt.wantMsg)
			}
			if strings.Contains(body.Error, "server.") || strings.Contains(body.Error, "Request") {
				t.Errorf("error %q names a Go type", body.Error)
			}
		})
	}
}

func TestTTS_UnsupportedLanguageIs400(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	rec := post(h, "/tts", `{"text":"hello","lang":"xx"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "Unsupported language: xx" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Index != nil {
		t.Errorf("single-segment error carries index %d", *body.Index)
	}
}

func TestTTS_DefaultsLangAndSpeed(t *testing.T) {
	synth := &stubSynthesizer{buf: okBuffer}
	h := newTestHandler(synth, &stubVoiceLister{}, server.WithDefaults("fr", 1.1))

	rec := post(h, "/tts", `{"text":"bonjour"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if len(synth.segs) != 1 || synth.segs[0].Voice != "fr" || synth.segs[0].Speed != 1.1 {
		t.Errorf("segment = %+v", synth.segs)
	}
}

func TestTTS_ReturnsWAVOnSuccess(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	rec := post(h, "/tts", `{"text":"hello","lang":"en","length_scale":1.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("want Content-Type audio/wav, got %q", ct)
	}
	testutil.AssertWAVFormat(t, rec.Body.Bytes(), ttstest.DefaultFormat)
}

func TestTTS_SynthesizerErrorReturnsGeneric500(t *testing.T) {
	synth := &stubSynthesizer{err: &tts.Error{Kind: tts.KindSynthesisFailed, Index: tts.NoIndex}}
	h := newTestHandler(synth, &stubVoiceLister{})

	rec := post(h, "/tts", `{"text":"Hello.","lang":"en"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != "synthesis_failed" {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestTTS_UntypedErrorReturns500(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{err: errors.New("disk on fire")}, &stubVoiceLister{})

	rec := post(h, "/tts", `{"text":"Hello."}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk on fire") {
		t.Error("internal error detail leaked to client")
	}
}

func TestTTS_EngineDetailNotLeaked(t *testing.T) {
	eng := ttstest.New()
	eng.SetGenerateError("en", errors.New("onnxruntime: tensor shape [1,0]"))
	h := newOrchestratorHandler(eng)

	rec := post(h, "/tts", `{"text":"Hello."}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "onnxruntime") {
		t.Errorf("engine detail leaked: %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// POST /polyglot
// ---------------------------------------------------------------------------

func TestPolyglot_Success(t *testing.T) {
	eng := ttstest.New()
	h := newOrchestratorHandler(eng)

	rec := post(h, "/polyglot", `{"segments":[
		{"text":"Hello","lang":"en"},
		{"text":"Bonjour","lang":"fr","length_scale":1.2}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	buf, err := audio.DecodeWAV(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if buf.Frames() != 200 {
		t.Errorf("frames = %d; want 200", buf.Frames())
	}

	calls := eng.Calls()
	if len(calls) != 2 || calls[1].Voice != "fr" || calls[1].LengthScale != 1.2 {
		t.Errorf("calls = %+v", calls)
	}
}

func TestPolyglot_FieldErrorsAre422(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	many := make([]string, 21)
	for i := range many {
		many[i] = `{"text":"hi","lang":"en"}`
	}

	tests := []struct {
		name      string
		body      string
		wantIndex int
	}{
		{"no segments", `{}`, -1},
		{"empty segments", `{"segments":[]}`, -1},
		{"too many segments", `{"segments":[` + strings.Join(many, ",") + `]}`, -1},
		{"missing text", `{"segments":[{"text":"ok","lang":"en"},{"lang":"en"}]}`, 1},
		{"missing lang", `{"segments":[{"text":"hi"}]}`, 0},
		{"text too long", `{"segments":[{"text":"` + strings.Repeat("a", 5001) + `","lang":"en"}]}`, 0},
		{"segments wrong type", `{"segments":"en"}`, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, "/polyglot", tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("want 422, got %d (body: %s)", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			switch {
			case tt.wantIndex < 0 && body.Index != nil:
				t.Errorf("index = %d; want none", *body.Index)
			case tt.wantIndex >= 0 && (body.Index == nil || *body.Index != tt.wantIndex):
				t.Errorf("index = %v; want %d", body.Index, tt.wantIndex)
			}
		})
	}
}

func TestPolyglot_UnsupportedLanguageIs400WithIndex(t *testing.T) {
	eng := ttstest.New()
	h := newOrchestratorHandler(eng)

	rec := post(h, "/polyglot", `{"segments":[{"text":"hi","lang":"en"},{"text":"hi","lang":"zz"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "Unsupported language: zz" || body.Kind != "invalid_voice" {
		t.Errorf("body = %+v", body)
	}
	if body.Index == nil || *body.Index != 1 {
		t.Errorf("index = %v; want 1", body.Index)
	}
	if eng.TotalLoads() != 0 {
		t.Error("voices were loaded for a rejected request")
	}
}

func TestPolyglot_FormatMismatchIs500(t *testing.T) {
	eng := ttstest.New()
	eng.SetFormat("el", audio.Format{Channels: 1, SampleWidth: 2, SampleRate: 16000})
	h := newOrchestratorHandler(eng)

	rec := post(h, "/polyglot", `{"segments":[{"text":"hi","lang":"en"},{"text":"geia","lang":"el"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Kind != "format_mismatch" || body.Index == nil || *body.Index != 1 {
		t.Errorf("body = %+v", body)
	}
}

// ---------------------------------------------------------------------------
// Request ids
// ---------------------------------------------------------------------------

func TestRequestID_EchoedOrGenerated(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{}, &stubVoiceLister{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(server.RequestIDHeader, "req-123")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(server.RequestIDHeader); got != "req-123" {
		t.Errorf("X-Request-ID = %q; want echo", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := rec.Header().Get(server.RequestIDHeader); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q; want uuid", got)
	}
}
