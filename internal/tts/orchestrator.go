package tts

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/metrics"
)

var tracer = otel.Tracer("github.com/example/polyglot-tts/internal/tts")

// Segment is one unit of text with its voice and speed.
type Segment struct {
	Text  string  `json:"text" yaml:"text"`
	Voice string  `json:"voice" yaml:"voice"`
	Speed float64 `json:"speed" yaml:"speed"`
}

// Limits bound what a request may ask for.
type Limits struct {
	MaxTextChars int
	MaxSegments  int
	MinSpeed     float64
	MaxSpeed     float64
}

// DefaultLimits mirrors the stock service configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxTextChars: 5000,
		MaxSegments:  20,
		MinSpeed:     0.1,
		MaxSpeed:     5.0,
	}
}

// Resolver maps voice identifiers to voices.
type Resolver interface {
	Resolve(id string) (Voice, error)
}

// Orchestrator turns validated requests into a single audio buffer:
// voices are resolved up front, each segment is synthesized with its cached
// model and the results are joined in request order.
type Orchestrator struct {
	voices   Resolver
	cache    *Cache
	synth    *Synthesizer
	limits   Limits
	parallel int
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

// WithParallelSegments synthesizes up to n segments of one request at a time.
// Values below 2 keep synthesis sequential.
func WithParallelSegments(n int) Option {
	return func(o *Orchestrator) { o.parallel = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics records request and segment metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires a resolver and a cache into an Orchestrator.
func NewOrchestrator(voices Resolver, cache *Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		voices:   voices,
		cache:    cache,
		limits:   DefaultLimits(),
		parallel: 1,
		log:      slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	o.synth = NewSynthesizer(o.log, o.metrics)
	return o
}

// Limits returns the active request limits.
func (o *Orchestrator) Limits() Limits {
	return o.limits
}

// Synthesize handles a single-segment request. Errors carry NoIndex.
func (o *Orchestrator) Synthesize(ctx context.Context, seg Segment) (audio.Buffer, error) {
	return o.run(ctx, []Segment{seg}, true)
}

// SynthesizeSegments handles an ordered multi-segment request. The first
// failing segment aborts the request and no partial audio is returned.
func (o *Orchestrator) SynthesizeSegments(ctx context.Context, segs []Segment) (audio.Buffer, error) {
	if len(segs) == 0 {
		return audio.Buffer{}, validationError(NoIndex, "segments must not be empty")
	}
	if o.limits.MaxSegments > 0 && len(segs) > o.limits.MaxSegments {
		return audio.Buffer{}, validationError(NoIndex, "at most %d segments allowed, got %d", o.limits.MaxSegments, len(segs))
	}
	return o.run(ctx, segs, false)
}

func (o *Orchestrator) run(ctx context.Context, segs []Segment, single bool) (audio.Buffer, error) {
	ctx, span := tracer.Start(ctx, "tts.request", trace.WithAttributes(
		attribute.Int("tts.segments", len(segs)),
	))
	defer span.End()

	start := time.Now()
	buf, err := o.execute(ctx, span, segs, single)
	o.metrics.ObserveRequest(len(segs), time.Since(start), Outcome(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e, ok := AsError(err); ok {
			o.log.WarnContext(ctx, "synthesis request failed",
				slog.String("kind", string(e.Kind)),
				slog.Int("index", e.Index),
				slog.Int("segments", len(segs)),
			)
		}
		return audio.Buffer{}, err
	}

	span.SetAttributes(attribute.Int("tts.frames", buf.Frames()))
	return buf, nil
}

func (o *Orchestrator) execute(ctx context.Context, span trace.Span, segs []Segment, single bool) (audio.Buffer, error) {
	index := func(i int) int {
		if single {
			return NoIndex
		}
		return i
	}

	span.AddEvent("validating")
	for i, seg := range segs {
		if err := o.checkSegment(seg); err != nil {
			err.Index = index(i)
			return audio.Buffer{}, err
		}
	}

	voices := make([]Voice, len(segs))
	for i, seg := range segs {
		v, err := o.voices.Resolve(seg.Voice)
		if err != nil {
			return audio.Buffer{}, &Error{Kind: KindInvalidVoice, Index: index(i), Detail: seg.Voice, cause: err}
		}
		voices[i] = v
	}

	span.AddEvent("synthesizing")
	buffers, err := o.synthesizeAll(ctx, segs, voices, index)
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(buffers) == 1 {
		return buffers[0], nil
	}

	span.AddEvent("concatenating")
	out, err := audio.Concatenate(buffers...)
	if err != nil {
		var mismatch *audio.FormatMismatchError
		if errors.As(err, &mismatch) {
			o.log.ErrorContext(ctx, "segment formats differ",
				slog.Int("index", mismatch.Index),
				slog.String("want", mismatch.Want.String()),
				slog.String("got", mismatch.Got.String()),
			)
			return audio.Buffer{}, &Error{Kind: KindFormatMismatch, Index: mismatch.Index, cause: err}
		}
		return audio.Buffer{}, &Error{Kind: KindSynthesisFailed, Index: NoIndex, cause: err}
	}
	return out, nil
}

func (o *Orchestrator) checkSegment(seg Segment) *Error {
	if strings.TrimSpace(seg.Text) == "" {
		return validationError(NoIndex, "text must not be empty")
	}
	if o.limits.MaxTextChars > 0 && utf8.RuneCountInString(seg.Text) > o.limits.MaxTextChars {
		return validationError(NoIndex, "text exceeds %d characters", o.limits.MaxTextChars)
	}
	if math.IsNaN(seg.Speed) || seg.Speed < o.limits.MinSpeed || seg.Speed > o.limits.MaxSpeed {
		return validationError(NoIndex, "speed %g outside [%g, %g]", seg.Speed, o.limits.MinSpeed, o.limits.MaxSpeed)
	}
	if seg.Voice == "" {
		return validationError(NoIndex, "voice is required")
	}
	return nil
}

func (o *Orchestrator) synthesizeAll(ctx context.Context, segs []Segment, voices []Voice, index func(int) int) ([]audio.Buffer, error) {
	buffers := make([]audio.Buffer, len(segs))

	if o.parallel < 2 || len(segs) < 2 {
		for i := range segs {
			b, err := o.synthesizeSegment(ctx, index(i), segs[i], voices[i])
			if err != nil {
				return nil, err
			}
			buffers[i] = b
		}
		return buffers, nil
	}

	errs := make([]error, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for i := range segs {
		g.Go(func() error {
			b, err := o.synthesizeSegment(gctx, index(i), segs[i], voices[i])
			if err != nil {
				errs[i] = err
				return err
			}
			buffers[i] = b
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return buffers, nil
	}

	// Report the lowest index that failed on its own rather than one that was
	// cancelled because a sibling failed first.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		return nil, err
	}
	return nil, first
}

func (o *Orchestrator) synthesizeSegment(ctx context.Context, idx int, seg Segment, v Voice) (audio.Buffer, error) {
	ctx, span := tracer.Start(ctx, "tts.segment", trace.WithAttributes(
		attribute.Int("tts.index", idx),
		attribute.String("tts.voice", v.ID),
		attribute.Int("tts.text_len", len(seg.Text)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, &Error{Kind: KindSynthesisFailed, Index: idx, cause: err}
	}

	model, err := o.cache.Get(ctx, v)
	if err != nil {
		span.RecordError(err)
		return audio.Buffer{}, &Error{Kind: KindSynthesisFailed, Index: idx, cause: err}
	}

	buf, err := o.synth.Synthesize(ctx, v.ID, model, seg.Text, Params{Speed: seg.Speed})
	if err != nil {
		span.RecordError(err)
		return audio.Buffer{}, &Error{Kind: KindSynthesisFailed, Index: idx, cause: err}
	}
	return buf, nil
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return metrics.OutcomeCanceled
	}
	if e, ok := AsError(err); ok {
		return string(e.Kind)
	}
	return metrics.OutcomeError
}
