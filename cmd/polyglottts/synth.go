package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/config"
	textpkg "github.com/example/polyglot-tts/internal/text"
	"github.com/example/polyglot-tts/internal/tts"
)

type synthOptions struct {
	Text          string
	Out           string
	Voice         string
	Speed         float64
	SegmentsFile  string
	Chunk         bool
	MaxChunkChars int
}

func newSynthCmd() *cobra.Command {
	var opts synthOptions

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("speed") {
				opts.Speed = cfg.TTS.DefaultSpeed
			}
			return runSynth(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&opts.Out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&opts.Voice, "voice", "", "Voice id (defaults to tts.default_voice)")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 1.0, "Length scale (defaults to tts.default_speed)")
	cmd.Flags().StringVar(&opts.SegmentsFile, "segments", "", "YAML or JSON file with a multi-language segment list")
	cmd.Flags().BoolVar(&opts.Chunk, "chunk", false, "Split text into sentence chunks and synthesize them in order")
	cmd.Flags().IntVar(&opts.MaxChunkChars, "max-chunk-chars", 220, "Maximum characters per chunk when --chunk is enabled")

	return cmd
}

func runSynth(ctx context.Context, cfg config.Config, opts synthOptions, stdin io.Reader, stdout io.Writer) error {
	if opts.SegmentsFile != "" && (opts.Text != "" || opts.Chunk) {
		return errors.New("--segments cannot be combined with --text or --chunk")
	}

	a, err := newApp(cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var buf audio.Buffer
	if opts.SegmentsFile != "" {
		segs, err := readSegmentsFile(opts.SegmentsFile, cfg.TTS.DefaultSpeed)
		if err != nil {
			return err
		}
		buf, err = a.orchestrator.SynthesizeSegments(ctx, segs)
		if err != nil {
			return mapSynthError(err)
		}
	} else {
		input, err := readSynthText(opts.Text, stdin)
		if err != nil {
			return err
		}
		voice := opts.Voice
		if voice == "" {
			voice = cfg.TTS.DefaultVoice
		}

		segs := buildSynthesisSegments(input, voice, opts.Speed, opts.Chunk, opts.MaxChunkChars)
		if len(segs) == 1 {
			buf, err = a.orchestrator.Synthesize(ctx, segs[0])
		} else {
			buf, err = a.orchestrator.SynthesizeSegments(ctx, segs)
		}
		if err != nil {
			return mapSynthError(err)
		}
	}

	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		return err
	}

	slog.Info("synthesis complete",
		slog.String("out", opts.Out),
		slog.String("format", buf.Format.String()),
		slog.Duration("audio", buf.Duration()),
	)
	return writeSynthOutput(opts.Out, wav, stdout)
}

// buildSynthesisSegments turns one text into segments of a single voice,
// split at sentence boundaries when chunk is set.
func buildSynthesisSegments(input, voice string, speed float64, chunk bool, maxChunkChars int) []tts.Segment {
	chunks := []string{input}
	if chunk {
		chunks = textpkg.ChunkBySentence(input, maxChunkChars)
	}

	segs := make([]tts.Segment, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		segs = append(segs, tts.Segment{Text: c, Voice: voice, Speed: speed})
	}
	return segs
}

type segmentsFile struct {
	Segments []struct {
		Text        string   `json:"text" yaml:"text"`
		Lang        string   `json:"lang" yaml:"lang"`
		LengthScale *float64 `json:"length_scale" yaml:"length_scale"`
	} `json:"segments" yaml:"segments"`
}

// readSegmentsFile decodes a segment list. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func readSegmentsFile(path string, defaultSpeed float64) ([]tts.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read segments file: %w", err)
	}

	var f segmentsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode segments file: %w", err)
	}

	segs := make([]tts.Segment, len(f.Segments))
	for i, s := range f.Segments {
		if s.Lang == "" {
			return nil, fmt.Errorf("segment %d: lang is required", i)
		}
		segs[i] = tts.Segment{Text: s.Text, Voice: s.Lang, Speed: defaultSpeed}
		if s.LengthScale != nil {
			segs[i].Speed = *s.LengthScale
		}
	}
	return segs, nil
}

// mapSynthError appends the underlying cause, such as a voice load
// failure, since the command line caller is also the operator.
func mapSynthError(err error) error {
	if e, ok := tts.AsError(err); ok {
		if cause := errors.Unwrap(e); cause != nil && !errors.Is(cause, tts.ErrSynthesisFailed) {
			return fmt.Errorf("%w (%v)", e, cause)
		}
	}
	return err
}

func writeSynthOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return errors.New("stdout writer is nil")
		}
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) == "" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}

	input, err := textpkg.Normalize(text)
	if errors.Is(err, textpkg.ErrEmptyText) {
		return "", errors.New("either provide --text or pipe text on stdin")
	}
	return input, err
}
