// Package ttstest provides an in-memory synthesis engine for tests.
package ttstest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/tts"
)

// DefaultFormat is the format produced unless overridden per voice.
var DefaultFormat = audio.Format{Channels: 1, SampleWidth: 2, SampleRate: 22050}

// Call records one Generate invocation.
type Call struct {
	Voice       string
	Text        string
	LengthScale float64
}

// Engine is a fake tts.Engine. Each generated segment holds Frames frames
// filled with the first byte of the segment text, so tests can check order.
type Engine struct {
	// Frames per generated segment. Zero means 100.
	Frames int
	// LoadGate, when set, blocks every Load until it is closed.
	LoadGate chan struct{}
	// GenerateDelay is waited out (or cancelled) before each Generate returns.
	GenerateDelay time.Duration

	mu          sync.Mutex
	loads       map[string]int
	formats     map[string]audio.Format
	loadErr     map[string]error
	generateErr map[string]error
	calls       []Call
}

// New returns a fake engine producing DefaultFormat audio.
func New() *Engine {
	return &Engine{
		loads:       make(map[string]int),
		formats:     make(map[string]audio.Format),
		loadErr:     make(map[string]error),
		generateErr: make(map[string]error),
	}
}

func (e *Engine) Name() string { return "fake" }

// SetFormat makes voice id produce audio in f.
func (e *Engine) SetFormat(id string, f audio.Format) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formats[id] = f
}

// SetLoadError makes loads of voice id fail with err. A nil err clears it.
func (e *Engine) SetLoadError(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.loadErr, id)
		return
	}
	e.loadErr[id] = err
}

// SetGenerateError makes synthesis with voice id fail with err.
func (e *Engine) SetGenerateError(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.generateErr, id)
		return
	}
	e.generateErr[id] = err
}

// Loads returns how many times Load ran for voice id.
func (e *Engine) Loads(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads[id]
}

// TotalLoads returns the number of Load calls across all voices.
func (e *Engine) TotalLoads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.loads {
		n += c
	}
	return n
}

// Calls returns the recorded Generate calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

func (e *Engine) Load(ctx context.Context, v tts.Voice) (tts.Model, error) {
	e.mu.Lock()
	e.loads[v.ID]++
	gate := e.LoadGate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadErr[v.ID]; err != nil {
		return nil, err
	}
	return &model{engine: e, voice: v.ID}, nil
}

type model struct {
	engine *Engine
	voice  string
}

func (m *model) Generate(ctx context.Context, text string, lengthScale float64) (audio.Buffer, error) {
	e := m.engine
	if e.GenerateDelay > 0 {
		t := time.NewTimer(e.GenerateDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return audio.Buffer{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}

	e.mu.Lock()
	e.calls = append(e.calls, Call{Voice: m.voice, Text: text, LengthScale: lengthScale})
	genErr := e.generateErr[m.voice]
	f, ok := e.formats[m.voice]
	e.mu.Unlock()

	if genErr != nil {
		return audio.Buffer{}, fmt.Errorf("fake engine: %w", genErr)
	}
	if !ok {
		f = DefaultFormat
	}

	frames := e.Frames
	if frames == 0 {
		frames = 100
	}
	var fill byte
	if len(text) > 0 {
		fill = text[0]
	}
	return audio.Buffer{
		Format: f,
		Data:   bytes.Repeat([]byte{fill}, frames*f.FrameSize()),
	}, nil
}

// Registry returns a registry holding the given voice ids with placeholder
// model paths.
func Registry(ids ...string) *tts.Registry {
	voices := make([]tts.Voice, len(ids))
	for i, id := range ids {
		voices[i] = tts.Voice{ID: id, Model: id + ".onnx"}
	}
	reg, err := tts.NewRegistry(voices, "")
	if err != nil {
		panic(err)
	}
	return reg
}
