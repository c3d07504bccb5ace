package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/doctor"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/piper"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and voice model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, cfg config.Config, w io.Writer) error {
	_, _ = fmt.Fprintf(w, "backend: %s\n", cfg.TTS.Backend)

	dcfg := doctor.Config{
		SkipPiper: cfg.TTS.Backend != config.BackendPiperCLI,
		TempDir:   cfg.TTS.TempDir,
	}
	if !dcfg.SkipPiper {
		dcfg.PiperVersion = func() (string, error) {
			eng, err := piper.New(cfg.TTS.PiperCommand)
			if err != nil {
				return "", err
			}
			return probePiperVersion(ctx, eng.Binary())
		}
	}

	reg, regErr := buildRegistry(cfg.TTS)
	if regErr == nil {
		dcfg.VoiceFiles = collectVoiceFiles(reg, cfg.TTS.Backend)
	}

	result := doctor.Run(dcfg, w)
	if regErr != nil {
		result.AddFailure(fmt.Sprintf("voice registry: %v", regErr))
		_, _ = fmt.Fprintf(w, "%s voice registry: %v\n", doctor.FailMark, regErr)
	}
	if err := cfg.Validate(); err != nil {
		result.AddFailure(fmt.Sprintf("config: %v", err))
		_, _ = fmt.Fprintf(w, "%s config: %v\n", doctor.FailMark, err)
	}

	if result.Failed() {
		return fmt.Errorf("doctor found %d problem(s)", len(result.Failures()))
	}

	_, _ = fmt.Fprintln(w, "doctor checks passed")
	return nil
}

// probePiperVersion runs `piper --version` and returns its output.
func probePiperVersion(ctx context.Context, exe string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, exe, "--version").Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("%s not found on PATH", exe)
		}
		return "", fmt.Errorf("%s --version failed: %w", exe, err)
	}

	return strings.TrimSpace(string(out)), nil
}

// collectVoiceFiles returns the absolute files each voice needs on disk for
// backend, with the same defaults the engines apply.
func collectVoiceFiles(reg *tts.Registry, backend string) []string {
	var paths []string
	for _, v := range reg.ListVoices() {
		paths = append(paths, v.Model)
		switch backend {
		case config.BackendPiperCLI:
			cfgPath := v.Config
			if cfgPath == "" {
				cfgPath = v.Model + ".json"
			}
			paths = append(paths, cfgPath)
		case config.BackendSherpa:
			tokens := v.Tokens
			if tokens == "" {
				tokens = filepath.Join(filepath.Dir(v.Model), "tokens.txt")
			}
			dataDir := v.DataDir
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(v.Model), "espeak-ng-data")
			}
			paths = append(paths, tokens, dataDir)
		}
	}

	for i, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			paths[i] = abs
		}
	}
	return paths
}

