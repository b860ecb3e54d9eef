package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbridge/internal/transport"
	"github.com/MrWong99/voxbridge/pkg/audio/chunker"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s/openai"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":4000"
	DefaultServerURL          = "ws://localhost:4000/ws/audio"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTurnDetection      = "server_vad"
	DefaultOfferURL           = "https://api.openai.com/v1/realtime"
	DefaultChatURL            = "https://api.openai.com/v1/chat/completions"
	DefaultMetricsPath        = "/metrics"
	DefaultBlockSize          = 4096
)

// envOverlay lists the environment variables that override file values. Only
// non-empty values are applied.
type envOverlay struct {
	APIKey         string   `env:"OPENAI_API_KEY"`
	ListenAddr     string   `env:"VOXBRIDGE_LISTEN_ADDR"`
	Port           string   `env:"PORT"`
	LogLevel       string   `env:"VOXBRIDGE_LOG_LEVEL"`
	ServerURL      string   `env:"VOXBRIDGE_SERVER_URL"`
	OfferURL       string   `env:"VOXBRIDGE_OFFER_URL"`
	UpstreamModel  string   `env:"VOXBRIDGE_UPSTREAM_MODEL"`
	UpstreamVoice  string   `env:"VOXBRIDGE_UPSTREAM_VOICE"`
	HistoryDriver  string   `env:"VOXBRIDGE_HISTORY_DRIVER"`
	HistoryDSN     string   `env:"VOXBRIDGE_HISTORY_DSN"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"VOXBRIDGE_ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads the YAML file at path, overlays the process environment, applies
// defaults and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{}, nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, overlays the process environment,
// applies defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Parse(r, nil)
}

// Parse is [LoadFromReader] with an explicit environment; nil means the
// process environment.
func Parse(r io.Reader, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg, environ)
}

func finish(cfg *Config, environ map[string]string) (*Config, error) {
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Upstream.APIKey, o.APIKey)
	if o.Port != "" {
		cfg.Server.ListenAddr = ":" + o.Port
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	set(&cfg.Transport.ServerURL, o.ServerURL)
	set(&cfg.Transport.OfferURL, o.OfferURL)
	set(&cfg.Upstream.Model, o.UpstreamModel)
	set(&cfg.Upstream.Voice, o.UpstreamVoice)
	if o.HistoryDriver != "" {
		cfg.History.Driver = HistoryDriver(o.HistoryDriver)
	}
	set(&cfg.History.DSN, o.HistoryDSN)
	set(&cfg.Telemetry.OTLPEndpoint, o.OTLPEndpoint)
	if len(o.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = o.AllowedOrigins
	}
	return nil
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	def(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	u := &cfg.Upstream
	def(&u.RealtimeURL, openai.DefaultBaseURL)
	def(&u.Model, openai.DefaultModel)
	def(&u.Voice, DefaultVoice)
	def(&u.TranscriptionModel, DefaultTranscriptionModel)
	def(&u.TurnDetection, DefaultTurnDetection)
	def(&u.OfferURL, DefaultOfferURL)
	def(&u.ChatURL, DefaultChatURL)
	if u.RequestTimeout <= 0 {
		u.RequestTimeout = 30 * time.Second
	}

	a := &cfg.Audio
	if a.SampleRate <= 0 {
		a.SampleRate = chunker.DefaultSampleRate
	}
	if a.BlockSize <= 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.SilenceThreshold <= 0 {
		a.SilenceThreshold = chunker.DefaultSilenceThreshold
	}
	if a.MinBuffer <= 0 {
		a.MinBuffer = chunker.DefaultMinBuffer
	}
	if a.MaxSilenceFrames <= 0 {
		a.MaxSilenceFrames = chunker.DefaultMaxSilenceFrames
	}
	if a.Linger <= 0 {
		a.Linger = 5 * time.Second
	}

	t := &cfg.Transport
	def(&t.ServerURL, DefaultServerURL)
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = transport.DefaultHeartbeatInterval
	}
	if t.LivenessInterval <= 0 {
		t.LivenessInterval = transport.DefaultLivenessInterval
	}
	if t.ReconnectBackoff <= 0 {
		t.ReconnectBackoff = transport.DefaultReconnectBackoff
	}
	if t.MaxReconnectAttempts <= 0 {
		t.MaxReconnectAttempts = transport.DefaultMaxReconnectAttempts
	}
	if t.MaxPendingFrames <= 0 {
		t.MaxPendingFrames = transport.DefaultMaxPendingFrames
	}
	if t.StallChecks <= 0 {
		t.StallChecks = transport.DefaultStallChecks
	}

	def(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)

	if cfg.History.FlushInterval <= 0 {
		cfg.History.FlushInterval = 2 * time.Second
	}
	if cfg.History.Driver == HistorySQLite && cfg.History.DSN == "" {
		cfg.History.DSN = "voxbridge.db"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	errs = append(errs, checkURL("upstream.realtime_url", cfg.Upstream.RealtimeURL, "ws", "wss"))
	errs = append(errs, checkURL("upstream.offer_url", cfg.Upstream.OfferURL, "http", "https"))
	errs = append(errs, checkURL("upstream.chat_url", cfg.Upstream.ChatURL, "http", "https"))
	errs = append(errs, checkURL("transport.server_url", cfg.Transport.ServerURL, "ws", "wss"))
	if cfg.Transport.OfferURL != "" {
		errs = append(errs, checkURL("transport.offer_url", cfg.Transport.OfferURL, "http", "https"))
	}
	seen := map[string]bool{cfg.Upstream.Model: true}
	for i, m := range cfg.Upstream.FallbackModels {
		if m == "" || seen[m] {
			errs = append(errs, fmt.Errorf("upstream.fallback_models[%d] %q is empty or duplicated", i, m))
		}
		seen[m] = true
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %.3f must be below 1", cfg.Audio.SilenceThreshold))
	}
	if cfg.Audio.MaxPlaybackQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.max_playback_queue %d must not be negative", cfg.Audio.MaxPlaybackQueue))
	}

	if cfg.Transport.LivenessInterval > 0 && cfg.Transport.HeartbeatInterval > 0 &&
		cfg.Transport.LivenessInterval > cfg.Transport.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("transport.liveness_interval %s must not exceed heartbeat_interval %s",
			cfg.Transport.LivenessInterval, cfg.Transport.HeartbeatInterval))
	}

	if !cfg.History.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("history.driver %q is invalid; valid values: sqlite, postgres", cfg.History.Driver))
	}
	if cfg.History.Driver == HistoryPostgres && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required for the postgres driver"))
	}
	if cfg.History.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("history.retention_days %d must not be negative", cfg.History.RetentionDays))
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
}
