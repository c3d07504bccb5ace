package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bus       BusConfig       `mapstructure:"bus"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	AccessToken     string        `mapstructure:"access_token"`
	Workers         int           `mapstructure:"workers"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type TTSConfig struct {
	Backend          string  `mapstructure:"backend"`
	PiperCommand     string  `mapstructure:"piper_command"`
	ModelDir         string  `mapstructure:"model_dir"`
	VoiceManifest    string  `mapstructure:"voice_manifest"`
	DefaultVoice     string  `mapstructure:"default_voice"`
	DefaultSpeed     float64 `mapstructure:"default_speed"`
	MinSpeed         float64 `mapstructure:"min_speed"`
	MaxSpeed         float64 `mapstructure:"max_speed"`
	MaxTextChars     int     `mapstructure:"max_text_chars"`
	MaxSegments      int     `mapstructure:"max_segments"`
	ParallelSegments int     `mapstructure:"parallel_segments"`
	Preload          bool    `mapstructure:"preload"`
	TempDir          string  `mapstructure:"temp_dir"`
	Threads          int     `mapstructure:"threads"`
	Provider         string  `mapstructure:"provider"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type BusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			AccessToken:     "",
			Workers:         2,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		TTS: TTSConfig{
			Backend:          BackendPiperCLI,
			PiperCommand:     "piper",
			ModelDir:         "/models",
			VoiceManifest:    "",
			DefaultVoice:     "en",
			DefaultSpeed:     1.0,
			MinSpeed:         0.1,
			MaxSpeed:         5.0,
			MaxTextChars:     5000,
			MaxSegments:      20,
			ParallelSegments: 1,
			Preload:          false,
			TempDir:          "",
			Threads:          1,
			Provider:         "cpu",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			SampleRatio:  1.0,
		},
		Bus: BusConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "tts.synthesize",
			Queue:   "polyglot-tts",
		},
	}
}

// flagKeys maps each command line flag to the config key it sets.
var flagKeys = map[string]string{
	"listen":            "server.listen_addr",
	"access-token":      "server.access_token",
	"workers":           "server.workers",
	"request-timeout":   "server.request_timeout",
	"shutdown-timeout":  "server.shutdown_timeout",
	"max-body-bytes":    "server.max_body_bytes",
	"backend":           "tts.backend",
	"piper-command":     "tts.piper_command",
	"model-dir":         "tts.model_dir",
	"voice-manifest":    "tts.voice_manifest",
	"default-voice":     "tts.default_voice",
	"default-speed":     "tts.default_speed",
	"min-speed":         "tts.min_speed",
	"max-speed":         "tts.max_speed",
	"max-text-chars":    "tts.max_text_chars",
	"max-segments":      "tts.max_segments",
	"parallel-segments": "tts.parallel_segments",
	"preload":           "tts.preload",
	"temp-dir":          "tts.temp_dir",
	"threads":           "tts.threads",
	"provider":          "tts.provider",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"log-file":          "log.file",
	"metrics":           "metrics.enabled",
	"tracing":           "telemetry.enabled",
	"trace-exporter":    "telemetry.exporter",
	"otlp-endpoint":     "telemetry.otlp_endpoint",
	"nats":              "bus.enabled",
	"nats-url":          "bus.url",
	"nats-subject":      "bus.subject",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("listen", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("access-token", defaults.Server.AccessToken, "Bearer token required by /tts, /polyglot and /voices (empty disables auth)")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent synthesis requests")
	fs.Duration("request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis deadline")
	fs.Duration("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout")
	fs.Int64("max-body-bytes", defaults.Server.MaxBodyBytes, "Max HTTP request body size")
	fs.String("backend", defaults.TTS.Backend, "Synthesis backend (piper-cli|sherpa)")
	fs.String("piper-command", defaults.TTS.PiperCommand, "Piper executable, optionally with extra arguments")
	fs.String("model-dir", defaults.TTS.ModelDir, "Directory holding the stock voice models")
	fs.String("voice-manifest", defaults.TTS.VoiceManifest, "Voice manifest (yaml|json); replaces the stock voices")
	fs.String("default-voice", defaults.TTS.DefaultVoice, "Voice used when /tts omits lang")
	fs.Float64("default-speed", defaults.TTS.DefaultSpeed, "Length scale used when a request omits it")
	fs.Float64("min-speed", defaults.TTS.MinSpeed, "Smallest accepted length scale")
	fs.Float64("max-speed", defaults.TTS.MaxSpeed, "Largest accepted length scale")
	fs.Int("max-text-chars", defaults.TTS.MaxTextChars, "Max characters per segment")
	fs.Int("max-segments", defaults.TTS.MaxSegments, "Max segments per request")
	fs.Int("parallel-segments", defaults.TTS.ParallelSegments, "Segments of one request synthesized concurrently")
	fs.Bool("preload", defaults.TTS.Preload, "Load every voice at startup")
	fs.String("temp-dir", defaults.TTS.TempDir, "Directory for intermediate piper output")
	fs.Int("threads", defaults.TTS.Threads, "sherpa-onnx inference threads")
	fs.String("provider", defaults.TTS.Provider, "sherpa-onnx execution provider")
	fs.String("log-level", defaults.Log.Level, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.Log.Format, "Log format (json|text)")
	fs.String("log-file", defaults.Log.File, "Also write logs to this rotated file")
	fs.Bool("metrics", defaults.Metrics.Enabled, "Serve Prometheus metrics")
	fs.Bool("tracing", defaults.Telemetry.Enabled, "Enable OpenTelemetry tracing")
	fs.String("trace-exporter", defaults.Telemetry.Exporter, "Trace exporter (stdout|otlp)")
	fs.String("otlp-endpoint", defaults.Telemetry.OTLPEndpoint, "OTLP gRPC collector endpoint")
	fs.Bool("nats", defaults.Bus.Enabled, "Serve synthesis requests over NATS")
	fs.String("nats-url", defaults.Bus.URL, "NATS server URL")
	fs.String("nats-subject", defaults.Bus.Subject, "NATS request subject")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("POLYGLOTTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("server.access_token", "POLYGLOTTTS_SERVER_ACCESS_TOKEN", "ACCESS_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind access token env vars: %w", err)
	}
	if err := v.BindEnv("log.level", "POLYGLOTTTS_LOG_LEVEL", "LOG_LEVEL"); err != nil {
		return Config{}, fmt.Errorf("bind log level env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("polyglottts")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	backend, err := NormalizeBackend(cfg.TTS.Backend)
	if err != nil {
		return Config{}, err
	}
	cfg.TTS.Backend = backend

	return cfg, nil
}

// Validate reports settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be >= 1, got %d", c.Server.Workers))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive, got %s", c.Server.RequestTimeout))
	}
	if c.TTS.MinSpeed <= 0 || c.TTS.MinSpeed > c.TTS.MaxSpeed {
		errs = append(errs, fmt.Errorf("tts speed range [%g, %g] is invalid", c.TTS.MinSpeed, c.TTS.MaxSpeed))
	}
	if c.TTS.DefaultSpeed < c.TTS.MinSpeed || c.TTS.DefaultSpeed > c.TTS.MaxSpeed {
		errs = append(errs, fmt.Errorf("tts.default_speed %g outside [%g, %g]", c.TTS.DefaultSpeed, c.TTS.MinSpeed, c.TTS.MaxSpeed))
	}
	if c.TTS.MaxTextChars < 1 {
		errs = append(errs, fmt.Errorf("tts.max_text_chars must be >= 1, got %d", c.TTS.MaxTextChars))
	}
	if c.TTS.MaxSegments < 1 {
		errs = append(errs, fmt.Errorf("tts.max_segments must be >= 1, got %d", c.TTS.MaxSegments))
	}
	if strings.TrimSpace(c.TTS.DefaultVoice) == "" {
		errs = append(errs, errors.New("tts.default_voice is required"))
	}
	if c.Bus.Enabled && strings.TrimSpace(c.Bus.Subject) == "" {
		errs = append(errs, errors.New("bus.subject is required when bus is enabled"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.access_token", c.Server.AccessToken)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("tts.backend", c.TTS.Backend)
	v.SetDefault("tts.piper_command", c.TTS.PiperCommand)
	v.SetDefault("tts.model_dir", c.TTS.ModelDir)
	v.SetDefault("tts.voice_manifest", c.TTS.VoiceManifest)
	v.SetDefault("tts.default_voice", c.TTS.DefaultVoice)
	v.SetDefault("tts.default_speed", c.TTS.DefaultSpeed)
	v.SetDefault("tts.min_speed", c.TTS.MinSpeed)
	v.SetDefault("tts.max_speed", c.TTS.MaxSpeed)
	v.SetDefault("tts.max_text_chars", c.TTS.MaxTextChars)
	v.SetDefault("tts.max_segments", c.TTS.MaxSegments)
	v.SetDefault("tts.parallel_segments", c.TTS.ParallelSegments)
	v.SetDefault("tts.preload", c.TTS.Preload)
	v.SetDefault("tts.temp_dir", c.TTS.TempDir)
	v.SetDefault("tts.threads", c.TTS.Threads)
	v.SetDefault("tts.provider", c.TTS.Provider)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("log.max_size_mb", c.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", c.Log.MaxBackups)
	v.SetDefault("log.max_age_days", c.Log.MaxAgeDays)
	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.path", c.Metrics.Path)
	v.SetDefault("telemetry.enabled", c.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", c.Telemetry.Exporter)
	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", c.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.sample_ratio", c.Telemetry.SampleRatio)
	v.SetDefault("bus.enabled", c.Bus.Enabled)
	v.SetDefault("bus.url", c.Bus.URL)
	v.SetDefault("bus.subject", c.Bus.Subject)
	v.SetDefault("bus.queue", c.Bus.Queue)
}

// bindFlags binds registered flags to their nested keys. Unchanged flags
// rank below env and config file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
