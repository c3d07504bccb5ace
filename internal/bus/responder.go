package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/tts"
)

// Synthesizer is the orchestrator surface the responder drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, seg tts.Segment) (audio.Buffer, error)
	SynthesizeSegments(ctx context.Context, segs []tts.Segment) (audio.Buffer, error)
}

// Error kinds for failures that happen before the orchestrator runs or
// outside its typed errors.
const (
	KindBadRequest = "bad_request"
	KindTimeout    = "timeout"
	KindCanceled   = "canceled"
)

// Request is the JSON payload accepted on the subject. Either Segments or
// Text must be set; Segments wins when both are present.
type Request struct {
	Segments    []SegmentRequest `json:"segments,omitempty"`
	Text        *string          `json:"text,omitempty"`
	Lang        *string          `json:"lang,omitempty"`
	LengthScale *float64         `json:"length_scale,omitempty"`
}

// SegmentRequest is one entry of Request.Segments.
type SegmentRequest struct {
	Text        *string  `json:"text"`
	Lang        *string  `json:"lang"`
	LengthScale *float64 `json:"length_scale,omitempty"`
}

// Reply is the JSON payload sent back to the requester.
type Reply struct {
	OK     bool          `json:"ok"`
	Format *audio.Format `json:"format,omitempty"`
	WAV    []byte        `json:"wav_base64,omitempty"`
	Error  *ReplyError   `json:"error,omitempty"`
}

// ReplyError describes a failed request; Index is set for segment errors.
type ReplyError struct {
	Kind    string `json:"kind"`
	Index   *int   `json:"index,omitempty"`
	Message string `json:"message"`
}

// Option configures a Responder.
type Option func(*Responder)

// WithQueue sets the queue group; an empty group subscribes every instance.
func WithQueue(q string) Option {
	return func(r *Responder) { r.queue = q }
}

// WithTimeout bounds each request's synthesis; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Responder) { r.timeout = d }
}

// WithWorkers limits concurrent syntheses.
func WithWorkers(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithDefaults sets the voice and speed used when a single-text request omits them.
func WithDefaults(voice string, speed float64) Option {
	return func(r *Responder) {
		r.defaultVoice = voice
		r.defaultSpeed = speed
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.log = l
		}
	}
}

// Responder answers synthesis requests published on a subject.
type Responder struct {
	conn    *nats.Conn
	subject string
	queue   string
	synth   Synthesizer

	timeout      time.Duration
	workers      int
	defaultVoice string
	defaultSpeed float64
	log          *slog.Logger

	sem    chan struct{}
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewResponder builds a responder for subject. Call Start to subscribe.
func NewResponder(conn *nats.Conn, subject string, synth Synthesizer, opts ...Option) *Responder {
	r := &Responder{
		conn:         conn,
		subject:      subject,
		synth:        synth,
		timeout:      60 * time.Second,
		workers:      2,
		defaultVoice: "en",
		defaultSpeed: 1.0,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.sem = make(chan struct{}, r.workers)
	r.log = r.log.With(slog.String("component", "nats-responder"), slog.String("subject", subject))
	return r
}

// Start subscribes to the subject. Requests are answered until ctx is
// cancelled or Close is called.
func (r *Responder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	var (
		sub *nats.Subscription
		err error
	)
	if r.queue != "" {
		sub, err = r.conn.QueueSubscribe(r.subject, r.queue, r.handle)
	} else {
		sub, err = r.conn.Subscribe(r.subject, r.handle)
	}
	if err != nil {
		r.cancel()
		return err
	}
	r.sub = sub
	r.log.Info("listening for synthesis requests", slog.String("queue", r.queue))
	return nil
}

// Close stops accepting requests and waits for in-flight replies.
func (r *Responder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Responder) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		r.log.Warn("dropping synthesis request without reply subject")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.respond(msg, Reply{Error: &ReplyError{Kind: KindCanceled, Message: "service shutting down"}})
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.respond(msg, r.process(msg.Data))
	}()
}

func (r *Responder) process(data []byte) Reply {
	reqID := uuid.NewString()
	log := r.log.With(slog.String("request_id", reqID))

	segs, single, rerr := r.decode(data)
	if rerr != nil {
		log.Info("synthesis rejected", slog.String("error", rerr.Message))
		return Reply{Error: rerr}
	}

	if r.ctx.Err() != nil {
		return Reply{Error: &ReplyError{Kind: KindCanceled, Message: "service shutting down"}}
	}
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.ctx.Done():
		return Reply{Error: &ReplyError{Kind: KindCanceled, Message: "service shutting down"}}
	}

	// Shutdown stops new work at the semaphore; admitted requests run to
	// completion or their own timeout.
	ctx := context.WithoutCancel(r.ctx)
	var cancel context.CancelFunc = func() {}
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	start := time.Now()
	var (
		buf audio.Buffer
		err error
	)
	if single {
		buf, err = r.synth.Synthesize(ctx, segs[0])
	} else {
		buf, err = r.synth.SynthesizeSegments(ctx, segs)
	}
	if err != nil {
		reply := Reply{Error: replyError(err)}
		log.Warn("synthesis failed",
			slog.Int("segments", len(segs)),
			slog.String("kind", reply.Error.Kind),
			slog.String("error", err.Error()))
		return reply
	}

	wav, err := audio.EncodeWAV(buf)
	if err != nil {
		log.Error("encoding WAV", slog.String("error", err.Error()))
		return Reply{Error: &ReplyError{Kind: string(tts.KindSynthesisFailed), Message: tts.ErrSynthesisFailed.Error()}}
	}

	log.Info("synthesis complete",
		slog.Int("segments", len(segs)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("wav_bytes", len(wav)))

	return Reply{OK: true, Format: &buf.Format, WAV: wav}
}

func (r *Responder) decode(data []byte) ([]tts.Segment, bool, *ReplyError) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, &ReplyError{Kind: KindBadRequest, Message: "invalid JSON payload"}
	}

	if req.Segments != nil {
		segs := make([]tts.Segment, len(req.Segments))
		for i, s := range req.Segments {
			if s.Text == nil || s.Lang == nil {
				idx := i
				return nil, false, &ReplyError{
					Kind:    string(tts.KindValidation),
					Index:   &idx,
					Message: "segment requires text and lang",
				}
			}
			segs[i] = tts.Segment{Text: *s.Text, Voice: *s.Lang, Speed: r.defaultSpeed}
			if s.LengthScale != nil {
				segs[i].Speed = *s.LengthScale
			}
		}
		return segs, false, nil
	}

	if req.Text == nil {
		return nil, false, &ReplyError{Kind: string(tts.KindValidation), Message: "text or segments is required"}
	}
	seg := tts.Segment{Text: *req.Text, Voice: r.defaultVoice, Speed: r.defaultSpeed}
	if req.Lang != nil {
		seg.Voice = *req.Lang
	}
	if req.LengthScale != nil {
		seg.Speed = *req.LengthScale
	}
	return []tts.Segment{seg}, true, nil
}

func (r *Responder) respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		r.log.Error("marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("publish reply", slog.String("error", err.Error()))
	}
}

func replyError(err error) *ReplyError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ReplyError{Kind: KindTimeout, Message: "synthesis timed out"}
	case errors.Is(err, context.Canceled):
		return &ReplyError{Kind: KindCanceled, Message: "synthesis canceled"}
	}

	te, ok := tts.AsError(err)
	if !ok {
		return &ReplyError{Kind: string(tts.KindSynthesisFailed), Message: tts.ErrSynthesisFailed.Error()}
	}

	re := &ReplyError{Kind: string(te.Kind), Message: te.Error()}
	switch te.Kind {
	case tts.KindInvalidVoice:
		re.Message = "Unsupported language: " + te.Detail
	case tts.KindSynthesisFailed, tts.KindFormatMismatch:
		re.Message = tts.ErrSynthesisFailed.Error()
	}
	if te.Index != tts.NoIndex {
		idx := te.Index
		re.Index = &idx
	}
	return re
}
