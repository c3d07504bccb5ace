package main

import (
	"fmt"
	"log/slog"

	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/metrics"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/piper"
	"github.com/example/polyglot-tts/internal/tts/sherpa"
)

// app holds the synthesis pipeline shared by every command.
type app struct {
	registry     *tts.Registry
	engine       tts.Engine
	cache        *tts.Cache
	orchestrator *tts.Orchestrator
}

func (a *app) Close() error {
	return a.cache.Close()
}

// newEngine is swapped by tests.
var newEngine = buildEngine

func buildEngine(cfg config.TTSConfig, log *slog.Logger) (tts.Engine, error) {
	switch cfg.Backend {
	case config.BackendPiperCLI:
		return piper.New(cfg.PiperCommand, piper.WithTempDir(cfg.TempDir), piper.WithLogger(log))
	case config.BackendSherpa:
		return sherpa.New(sherpa.Options{NumThreads: cfg.Threads, Provider: cfg.Provider}), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

// buildRegistry reads the voice manifest if one is configured, otherwise
// the stock voices under the model directory.
func buildRegistry(cfg config.TTSConfig) (*tts.Registry, error) {
	if cfg.VoiceManifest != "" {
		return tts.LoadRegistry(cfg.VoiceManifest)
	}
	return tts.NewRegistry(tts.DefaultVoices(), cfg.ModelDir)
}

func newApp(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg, err := buildRegistry(cfg.TTS)
	if err != nil {
		return nil, err
	}
	if _, err := reg.Resolve(cfg.TTS.DefaultVoice); err != nil {
		return nil, fmt.Errorf("default voice: %w", err)
	}

	engine, err := newEngine(cfg.TTS, log)
	if err != nil {
		return nil, err
	}

	cache := tts.NewCache(engine, tts.WithCacheLogger(log), tts.WithCacheMetrics(m))
	orch := tts.NewOrchestrator(reg, cache,
		tts.WithLimits(tts.Limits{
			MaxTextChars: cfg.TTS.MaxTextChars,
			MaxSegments:  cfg.TTS.MaxSegments,
			MinSpeed:     cfg.TTS.MinSpeed,
			MaxSpeed:     cfg.TTS.MaxSpeed,
		}),
		tts.WithParallelSegments(cfg.TTS.ParallelSegments),
		tts.WithLogger(log),
		tts.WithMetrics(m),
	)

	log.Info("synthesis pipeline ready",
		slog.String("backend", engine.Name()),
		slog.Any("voices", reg.IDs()),
		slog.Int("parallel_segments", cfg.TTS.ParallelSegments),
	)

	return &app{registry: reg, engine: engine, cache: cache, orchestrator: orch}, nil
}
