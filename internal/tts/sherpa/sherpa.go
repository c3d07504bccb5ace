// Package sherpa runs VITS/Piper voices in-process through sherpa-onnx.
package sherpa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/tts"
)

// Name is the backend identifier reported in logs and metrics.
const Name = "sherpa"

// Options tune the ONNX runtime used for every voice.
type Options struct {
	NumThreads  int
	Provider    string  // "cpu" unless set
	NoiseScale  float32 // 0 keeps the model default
	NoiseScaleW float32
}

// Engine builds one sherpa-onnx OfflineTts handle per voice.
type Engine struct {
	opts Options
}

// New returns an Engine. Zero options select single-threaded CPU inference.
func New(opts Options) *Engine {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 1
	}
	if opts.Provider == "" {
		opts.Provider = "cpu"
	}
	return &Engine{opts: opts}
}

func (e *Engine) Name() string { return Name }

// Load creates the OfflineTts handle for v. Tokens default to tokens.txt
// next to the model and DataDir to espeak-ng-data next to the model.
func (e *Engine) Load(_ context.Context, v tts.Voice) (tts.Model, error) {
	cfg, err := e.config(v)
	if err != nil {
		return nil, err
	}

	handle := sherpa.NewOfflineTts(cfg)
	if handle == nil {
		return nil, fmt.Errorf("create sherpa-onnx tts for %s failed", v.Model)
	}
	return &model{handle: handle, speaker: v.Speaker}, nil
}

func (e *Engine) config(v tts.Voice) (*sherpa.OfflineTtsConfig, error) {
	dir := filepath.Dir(v.Model)
	tokens := v.Tokens
	if tokens == "" {
		tokens = filepath.Join(dir, "tokens.txt")
	}
	dataDir := v.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(dir, "espeak-ng-data")
	}

	for _, p := range []string{v.Model, tokens, dataDir} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("sherpa voice %q: %w", v.ID, err)
		}
	}

	cfg := &sherpa.OfflineTtsConfig{}
	cfg.Model.Vits.Model = v.Model
	cfg.Model.Vits.Tokens = tokens
	cfg.Model.Vits.DataDir = dataDir
	cfg.Model.Vits.LengthScale = 1.0
	if e.opts.NoiseScale > 0 {
		cfg.Model.Vits.NoiseScale = e.opts.NoiseScale
	}
	if e.opts.NoiseScaleW > 0 {
		cfg.Model.Vits.NoiseScaleW = e.opts.NoiseScaleW
	}
	cfg.Model.NumThreads = e.opts.NumThreads
	cfg.Model.Provider = e.opts.Provider
	cfg.MaxNumSentences = 1
	return cfg, nil
}

type model struct {
	mu      sync.Mutex
	handle  *sherpa.OfflineTts
	speaker int
}

// Generate maps lengthScale onto sherpa's speed factor, its reciprocal.
// A running generation cannot be interrupted; ctx is checked before it starts.
func (m *model) Generate(ctx context.Context, text string, lengthScale float64) (audio.Buffer, error) {
	if lengthScale <= 0 {
		return audio.Buffer{}, fmt.Errorf("length scale %g must be positive", lengthScale)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	if m.handle == nil {
		return audio.Buffer{}, errors.New("sherpa voice closed")
	}

	generated := m.handle.Generate(text, m.speaker, float32(1/lengthScale))
	if generated == nil || len(generated.Samples) == 0 {
		return audio.Buffer{}, errors.New("sherpa-onnx produced no audio")
	}
	return audio.PCM16(generated.Samples, generated.SampleRate), nil
}

// Close releases the native handle.
func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		sherpa.DeleteOfflineTts(m.handle)
		m.handle = nil
	}
	return nil
}
