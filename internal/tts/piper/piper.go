// Package piper drives the Piper command line synthesizer.
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/tts"
)

// Name is the backend identifier reported in logs and metrics.
const Name = "piper-cli"

// Engine runs one piper process per synthesized segment.
type Engine struct {
	command []string
	tempDir string
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTempDir sets where intermediate WAV files are written.
func WithTempDir(dir string) Option {
	return func(e *Engine) { e.tempDir = dir }
}

// WithLogger sets the logger used for subprocess diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New parses command, which may carry extra arguments, e.g.
// "piper --sentence_silence 0.1".
func New(command string, opts ...Option) (*Engine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse piper command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("piper command empty")
	}

	e := &Engine{command: args, log: slog.Default()}
	for _, fn := range opts {
		fn(e)
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

// Binary returns the executable the engine runs.
func (e *Engine) Binary() string { return e.command[0] }

type voiceConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
}

// Load checks that the voice's model and config exist and reads the
// expected sample rate from the config. Piper itself loads the model on
// every run, so nothing stays resident.
func (e *Engine) Load(_ context.Context, v tts.Voice) (tts.Model, error) {
	if _, err := os.Stat(v.Model); err != nil {
		return nil, fmt.Errorf("piper model: %w", err)
	}

	cfgPath := v.Config
	if cfgPath == "" {
		cfgPath = v.Model + ".json"
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("piper voice config: %w", err)
	}

	var cfg voiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode piper voice config %s: %w", cfgPath, err)
	}

	return &model{
		engine:     e,
		voice:      v,
		config:     cfgPath,
		sampleRate: cfg.Audio.SampleRate,
	}, nil
}

type model struct {
	engine     *Engine
	voice      tts.Voice
	config     string
	sampleRate int
}

func (m *model) Generate(ctx context.Context, text string, lengthScale float64) (audio.Buffer, error) {
	e := m.engine

	out, err := os.CreateTemp(e.tempDir, "polyglot-tts-*.wav")
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("create output file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer os.Remove(outPath)

	args := append([]string{}, e.command[1:]...)
	args = append(args,
		"--model", m.voice.Model,
		"--config", m.config,
		"--output_file", outPath,
		"--length_scale", strconv.FormatFloat(lengthScale, 'f', -1, 64),
	)
	if m.voice.Speaker > 0 {
		args = append(args, "--speaker", strconv.Itoa(m.voice.Speaker))
	}

	// #nosec G204 -- the binary and its arguments come from operator configuration.
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Stdin = strings.NewReader(text)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Buffer{}, ctxErr
		}
		e.log.DebugContext(ctx, "piper stderr",
			slog.String("voice", m.voice.ID),
			slog.String("stderr", strings.TrimSpace(stderr.String())),
		)
		return audio.Buffer{}, fmt.Errorf("piper: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	e.log.DebugContext(ctx, "piper finished",
		slog.String("voice", m.voice.ID),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	data, err := os.ReadFile(outPath)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("read piper output: %w", err)
	}

	buf, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("piper output: %w", err)
	}
	if m.sampleRate > 0 && buf.Format.SampleRate != m.sampleRate {
		return audio.Buffer{}, fmt.Errorf("piper output is %d Hz, voice config says %d Hz",
			buf.Format.SampleRate, m.sampleRate)
	}
	return buf, nil
}
