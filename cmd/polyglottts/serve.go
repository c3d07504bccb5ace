package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/polyglot-tts/internal/bus"
	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/metrics"
	"github.com/example/polyglot-tts/internal/server"
	"github.com/example/polyglot-tts/internal/telemetry"
)

const serviceName = "polyglot-tts"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the synthesis HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, slog.Default())
		},
	}
}

// runServe wires the pipeline, the HTTP server and the optional NATS
// responder, and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  serviceName,
		Version:      version(),
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("releasing voices", slog.String("error", err.Error()))
		}
	}()

	if cfg.TTS.Preload {
		start := time.Now()
		if err := a.cache.Preload(ctx, a.registry.ListVoices()...); err != nil {
			return fmt.Errorf("preload voices: %w", err)
		}
		log.Info("voices preloaded",
			slog.Any("voices", a.cache.Loaded()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	if cfg.Server.AccessToken == "" {
		log.Warn("no access token configured; synthesis endpoints are unauthenticated")
	}

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, cfg.Bus, log)
		if err != nil {
			return err
		}
		defer client.Close()
		busClient = client

		responder := bus.NewResponder(client.Conn(), cfg.Bus.Subject, a.orchestrator,
			bus.WithQueue(cfg.Bus.Queue),
			bus.WithTimeout(cfg.Server.RequestTimeout),
			bus.WithWorkers(cfg.Server.Workers),
			bus.WithDefaults(cfg.TTS.DefaultVoice, cfg.TTS.DefaultSpeed),
			bus.WithLogger(log),
		)
		if err := responder.Start(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Bus.Subject, err)
		}
		defer responder.Close()
	}

	opts := []server.Option{
		server.WithWorkers(cfg.Server.Workers),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithAccessToken(cfg.Server.AccessToken),
		server.WithDefaults(cfg.TTS.DefaultVoice, cfg.TTS.DefaultSpeed),
		server.WithLogger(log),
		server.WithLoadReporter(a.cache),
	}
	if busClient != nil {
		opts = append(opts, server.WithHealthCheck("bus", busClient.Healthy))
	}
	if m != nil {
		opts = append(opts, server.WithMetrics(m), server.WithMetricsPath(cfg.Metrics.Path))
	}

	h := server.NewHandler(a.orchestrator, a.registry, opts...)
	return server.New(cfg.Server, h).WithLogger(log).Start(ctx)
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
