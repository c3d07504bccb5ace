// Package doctor provides environment preflight checks for polyglottts.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// PiperVersion returns the output of `piper --version`.
	PiperVersion VersionFunc
	// SkipPiper skips the piper binary check (sherpa backend).
	SkipPiper bool
	// VoiceFiles is the list of model and config paths to verify on disk.
	VoiceFiles []string
	// TempDir must be writable when set; piper writes intermediate WAVs there.
	TempDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- piper binary -----------------------------------------------------
	if cfg.SkipPiper || cfg.PiperVersion == nil {
		fmt.Fprintf(w, "%s piper binary: skipped\n", PassMark)
	} else {
		ver, err := cfg.PiperVersion()
		if err != nil {
			res.fail(fmt.Sprintf("piper binary: %v", err))
			fmt.Fprintf(w, "%s piper binary: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s piper binary: %s\n", PassMark, ver)
		}
	}

	// ---- temp dir ---------------------------------------------------------
	if cfg.TempDir != "" {
		if err := checkWritable(cfg.TempDir); err != nil {
			res.fail(fmt.Sprintf("temp dir %q: %v", cfg.TempDir, err))
			fmt.Fprintf(w, "%s temp dir %s: %v\n", FailMark, cfg.TempDir, err)
		} else {
			fmt.Fprintf(w, "%s temp dir: %s\n", PassMark, cfg.TempDir)
		}
	}

	// ---- voice files ------------------------------------------------------
	for _, path := range cfg.VoiceFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("voice file %q: %v", path, err))
			fmt.Fprintf(w, "%s voice file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s voice file: %s\n", PassMark, path)
		}
	}

	return res
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	f, err := os.CreateTemp(dir, ".polyglottts-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
