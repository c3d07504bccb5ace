package tts

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/metrics"
)

// Params are the per-segment synthesis parameters.
type Params struct {
	Speed float64 // length scale, lower is faster
}

// Synthesizer runs one segment through a loaded model and normalizes engine
// failures into ErrSynthesisFailed. Engine detail is logged, never returned.
type Synthesizer struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSynthesizer returns a Synthesizer. A nil logger means slog.Default().
func NewSynthesizer(log *slog.Logger, m *metrics.Metrics) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{log: log, metrics: m}
}

// Synthesize generates audio for text with model. Context errors are
// returned unchanged; every other failure is ErrSynthesisFailed.
func (s *Synthesizer) Synthesize(ctx context.Context, voiceID string, model Model, text string, p Params) (audio.Buffer, error) {
	start := time.Now()
	buf, err := model.Generate(ctx, text, p.Speed)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.ObserveSegment(voiceID, elapsed, metrics.OutcomeCanceled)
			return audio.Buffer{}, ctxErr
		}
		s.log.ErrorContext(ctx, "engine synthesis failed",
			slog.String("voice", voiceID),
			slog.Int("text_len", len(text)),
			slog.Float64("speed", p.Speed),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		s.metrics.ObserveSegment(voiceID, elapsed, metrics.OutcomeError)
		return audio.Buffer{}, ErrSynthesisFailed
	}

	if err := buf.Validate(); err != nil || len(buf.Data) == 0 {
		attrs := []any{
			slog.String("voice", voiceID),
			slog.String("format", buf.Format.String()),
			slog.Int("data_bytes", len(buf.Data)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.log.ErrorContext(ctx, "engine produced unusable audio", attrs...)
		s.metrics.ObserveSegment(voiceID, elapsed, metrics.OutcomeError)
		return audio.Buffer{}, ErrSynthesisFailed
	}

	s.metrics.ObserveSegment(voiceID, elapsed, metrics.OutcomeOK)
	s.log.DebugContext(ctx, "segment synthesized",
		slog.String("voice", voiceID),
		slog.Int("text_len", len(text)),
		slog.Int("frames", buf.Frames()),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return buf, nil
}
