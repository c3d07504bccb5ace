package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/metrics"
	"github.com/example/polyglot-tts/internal/tts"
)

// Synthesizer turns validated requests into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, seg tts.Segment) (audio.Buffer, error)
	SynthesizeSegments(ctx context.Context, segs []tts.Segment) (audio.Buffer, error)
}

// VoiceLister returns the list of available voices.
type VoiceLister interface {
	ListVoices() []tts.Voice
}

// LoadReporter reports whether a voice model is resident.
type LoadReporter interface {
	IsLoaded(id string) bool
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	workers        int
	requestTimeout time.Duration
	maxBodyBytes   int64
	accessToken    string
	defaultVoice   string
	defaultSpeed   float64
	logger         *slog.Logger
	metrics        *metrics.Metrics
	metricsPath    string
	loaded         LoadReporter
	healthChecks   []healthCheck
}

type healthCheck struct {
	name string
	ok   func() bool
}

func defaultOptions() options {
	return options{
		workers:        2,
		requestTimeout: 60 * time.Second,
		maxBodyBytes:   1 << 20,
		defaultVoice:   "en",
		defaultSpeed:   1.0,
		metricsPath:    "/metrics",
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithWorkers sets the maximum number of concurrent synthesis calls.
// Zero disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithMaxBodyBytes caps the size of JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithAccessToken requires "Authorization: Bearer <token>" on every route
// except /health and /metrics. An empty token disables the check.
func WithAccessToken(token string) Option {
	return func(o *options) { o.accessToken = token }
}

// WithDefaults sets the voice and speed used when /tts omits them.
func WithDefaults(voice string, speed float64) Option {
	return func(o *options) {
		o.defaultVoice = voice
		o.defaultSpeed = speed
	}
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records HTTP metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMetricsPath moves the metrics endpoint.
func WithMetricsPath(p string) Option {
	return func(o *options) {
		if p != "" {
			o.metricsPath = p
		}
	}
}

// WithLoadReporter adds the loaded flag to /voices entries.
func WithLoadReporter(r LoadReporter) Option {
	return func(o *options) { o.loaded = r }
}

// WithHealthCheck reports a named dependency under "checks" in /health.
// A failing check turns the response into 503 with status "degraded".
func WithHealthCheck(name string, ok func() bool) Option {
	return func(o *options) {
		if ok != nil {
			o.healthChecks = append(o.healthChecks, healthCheck{name: name, ok: ok})
		}
	}
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	synth  Synthesizer
	voices VoiceLister
	opts   options
	sem    chan struct{} // semaphore for worker pool
	log    *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /metrics, /voices,
// POST /tts and POST /polyglot.
func NewHandler(synth Synthesizer, voices VoiceLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth:  synth,
		voices: voices,
		opts:   opts,
		log:    opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.Handle("/health", h.instrument("/health", http.HandlerFunc(h.handleHealth)))
	if opts.metrics != nil {
		mux.Handle(opts.metricsPath, opts.metrics.Handler())
	}
	mux.Handle("/voices", h.instrument("/voices", h.requireAuth(http.HandlerFunc(h.handleVoices))))
	mux.Handle("/tts", h.instrument("/tts", h.requireAuth(http.HandlerFunc(h.handleTTS))))
	mux.Handle("/polyglot", h.instrument("/polyglot", h.requireAuth(http.HandlerFunc(h.handlePolyglot))))
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": buildVersion(),
	}
	status := http.StatusOK
	if len(h.opts.healthChecks) > 0 {
		checks := make(map[string]string, len(h.opts.healthChecks))
		for _, c := range h.opts.healthChecks {
			if c.ok() {
				checks[c.name] = "ok"
				continue
			}
			checks[c.name] = "down"
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		body["checks"] = checks
	}
	writeJSON(w, status, body)
}

type voiceInfo struct {
	tts.Voice
	Loaded bool `json:"loaded"`
}

func (h *handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	voices := h.voices.ListVoices()
	out := make([]voiceInfo, 0, len(voices))
	for _, v := range voices {
		info := voiceInfo{Voice: v}
		if h.opts.loaded != nil {
			info.Loaded = h.opts.loaded.IsLoaded(v.ID)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// New returns a Server listening on cfg.ListenAddr.
func New(cfg config.ServerConfig, h http.Handler) *Server {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		addr:            cfg.ListenAddr,
		handler:         h,
		shutdownTimeout: timeout,
		log:             slog.Default(),
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithLogger sets the logger for lifecycle events.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.log = l
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.log.InfoContext(ctx, "http server listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		s.log.InfoContext(ctx, "http server shutting down",
			slog.Duration("timeout", s.shutdownTimeout),
		)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

// ProbeHTTP checks a running server's /health endpoint.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
