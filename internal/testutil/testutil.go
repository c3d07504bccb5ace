// Package testutil provides shared skip helpers and WAV assertions for tests.
//
// Each Require helper calls Skip with a clear reason when the named
// prerequisite is absent, so integration tests stay runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestPiperIntegration(t *testing.T) {
//	    bin := testutil.RequirePiper(t)
//	    model := testutil.RequireVoiceModel(t)
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

const (
	// PiperEnv overrides the piper executable used by integration tests.
	PiperEnv = "POLYGLOTTTS_PIPER"
	// VoiceModelEnv names a .onnx voice model used by integration tests.
	VoiceModelEnv = "POLYGLOTTTS_TEST_MODEL"
)

// RequirePiper skips the test if the piper binary is not found in PATH or at
// the path given by POLYGLOTTTS_PIPER. It returns the resolved executable.
func RequirePiper(tb testing.TB) string {
	tb.Helper()

	exe := os.Getenv(PiperEnv)
	if exe == "" {
		exe = "piper"
	}

	path, err := exec.LookPath(exe)
	if err != nil {
		tb.Skipf("piper binary not available (%q not in PATH); set %s to override", exe, PiperEnv)
		return ""
	}
	return path
}

// RequireVoiceModel skips the test unless POLYGLOTTTS_TEST_MODEL points at an
// existing voice model file. It returns the model path.
func RequireVoiceModel(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv(VoiceModelEnv)
	if p == "" {
		tb.Skipf("no voice model configured; set %s to a .onnx model", VoiceModelEnv)
		return ""
	}

	// #nosec G703 -- Integration tests intentionally accept explicit env-provided model paths.
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("voice model not found at %s=%q", VoiceModelEnv, p)
		return ""
	}
	return p
}
