package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/example/polyglot-tts/internal/metrics"
)

// Cache loads each voice at most once and keeps the loaded model for the
// lifetime of the process. Concurrent requests for a voice that is still
// loading share the in-flight load; failed loads are not remembered.
type Cache struct {
	engine  Engine
	log     *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	mu     sync.RWMutex
	models map[string]Model
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger used for load events.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// WithCacheMetrics records load counts and durations.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache returns an empty cache backed by engine.
func NewCache(engine Engine, opts ...CacheOption) *Cache {
	c := &Cache{
		engine: engine,
		log:    slog.Default(),
		models: make(map[string]Model),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Get returns the loaded model for v, loading it on first use.
//
// The load itself belongs to the cache: it runs without the caller's
// cancellation, so a caller that gives up only stops waiting while the load
// completes and is installed for everyone else.
func (c *Cache) Get(ctx context.Context, v Voice) (Model, error) {
	if m, ok := c.lookup(v.ID); ok {
		return m, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(v.ID, func() (any, error) {
		return c.load(loadCtx, v)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Preload loads every voice in voices, returning the joined load errors.
func (c *Cache) Preload(ctx context.Context, voices ...Voice) error {
	var errs []error
	for _, v := range voices {
		if _, err := c.Get(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("load voice %q: %w", v.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Loaded returns the sorted ids of installed models.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// IsLoaded reports whether the voice id has an installed model.
func (c *Cache) IsLoaded(id string) bool {
	_, ok := c.lookup(id)
	return ok
}

// Close releases models that hold native resources. It is meant for process
// shutdown; the cache must not be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, m := range c.models {
		if closer, ok := m.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close voice %q: %w", id, err))
			}
		}
		delete(c.models, id)
	}
	c.metrics.SetLoadedVoices(0)
	return errors.Join(errs...)
}

func (c *Cache) lookup(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

func (c *Cache) load(ctx context.Context, v Voice) (Model, error) {
	// A flight that finished between the caller's lookup and DoChan has
	// already installed the model.
	if m, ok := c.lookup(v.ID); ok {
		return m, nil
	}

	ctx, span := tracer.Start(ctx, "tts.voice.load", trace.WithAttributes(
		attribute.String("tts.voice", v.ID),
		attribute.String("tts.engine", c.engine.Name()),
	))
	defer span.End()

	start := time.Now()
	m, err := c.engine.Load(ctx, v)
	if err == nil && m == nil {
		err = errors.New("engine returned no model")
	}
	elapsed := time.Since(start)
	c.metrics.ObserveVoiceLoad(v.ID, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voice load failed")
		c.log.ErrorContext(ctx, "voice load failed",
			slog.String("voice", v.ID),
			slog.String("engine", c.engine.Name()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.mu.Lock()
	c.models[v.ID] = m
	n := len(c.models)
	c.mu.Unlock()
	c.metrics.SetLoadedVoices(n)

	c.log.InfoContext(ctx, "voice loaded",
		slog.String("voice", v.ID),
		slog.String("engine", c.engine.Name()),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return m, nil
}
