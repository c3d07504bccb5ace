package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/bench"
	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/tts"
)

type benchOptions struct {
	Text         string
	Voice        string
	Runs         int
	Format       string
	RTFThreshold float64
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark synthesis latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			return runBench(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Text, "text", "", "Text to synthesize for each run (required)")
	cmd.Flags().StringVar(&opts.Voice, "voice", "", "Voice id (defaults to tts.default_voice)")
	cmd.Flags().IntVar(&opts.Runs, "runs", 5, "Number of synthesis runs")
	cmd.Flags().StringVar(&opts.Format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&opts.RTFThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")

	return cmd
}

func runBench(ctx context.Context, cfg config.Config, opts benchOptions, out io.Writer) error {
	if strings.TrimSpace(opts.Text) == "" {
		return errors.New("--text is required for bench")
	}
	if opts.Format != "table" && opts.Format != "json" {
		return errors.New("--format must be 'table' or 'json'")
	}

	a, err := newApp(cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	seg := tts.Segment{Text: opts.Text, Voice: opts.Voice, Speed: cfg.TTS.DefaultSpeed}
	if seg.Voice == "" {
		seg.Voice = cfg.TTS.DefaultVoice
	}

	results, err := bench.Run(ctx, opts.Runs, func(ctx context.Context) (audio.Buffer, error) {
		return a.orchestrator.Synthesize(ctx, seg)
	})
	if err != nil {
		return mapSynthError(err)
	}

	stats := bench.ComputeStats(bench.Durations(results))
	switch opts.Format {
	case "json":
		if err := bench.FormatJSON(results, stats, out); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	default:
		bench.FormatTable(results, stats, out)
	}

	return bench.CheckRTFThreshold(bench.MeanRTF(results), opts.RTFThreshold)
}
