package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/ttstest"
)

const testManifest = `{"voices":[
  {"id":"en","language":"en_US","model":"en.onnx"},
  {"id":"fr","language":"fr_FR","model":"fr.onnx"}
]}`

// testConfig returns a config whose voices come from a temp manifest and
// whose engine is eng.
func testConfig(t *testing.T, eng *ttstest.Engine) config.Config {
	t.Helper()

	manifest := filepath.Join(t.TempDir(), "voices.json")
	if err := os.WriteFile(manifest, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	orig := newEngine
	newEngine = func(config.TTSConfig, *slog.Logger) (tts.Engine, error) { return eng, nil }
	t.Cleanup(func() { newEngine = orig })

	cfg := config.DefaultConfig()
	cfg.TTS.VoiceManifest = manifest
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
