// Package config provides the configuration schema and loader shared by the
// voxbridge client and relay.
//
// Configuration is read from YAML, overlaid with environment variables, and
// completed with defaults before validation. Every field has a usable
// default, so an empty file (or no file at all) yields a working local setup.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HistoryDriver selects the transcript history backend.
type HistoryDriver string

const (
	// HistoryNone disables transcript history.
	HistoryNone HistoryDriver = ""
	// HistorySQLite stores transcripts in a local SQLite file.
	HistorySQLite HistoryDriver = "sqlite"
	// HistoryPostgres stores transcripts in PostgreSQL.
	HistoryPostgres HistoryDriver = "postgres"
)

// IsValid reports whether d is a recognised driver.
func (d HistoryDriver) IsValid() bool {
	switch d {
	case HistoryNone, HistorySQLite, HistoryPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Audio     AudioConfig     `yaml:"audio"`
	Transport TransportConfig `yaml:"transport"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig holds the relay's network and logging settings. LogLevel also
// applies to the client.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on. Default ":4000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are answered in Access-Control-Allow-Origin and accepted
	// as websocket origins. Default ["*"].
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS enables HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// UpstreamConfig configures the relay's connection to the realtime AI
// provider.
type UpstreamConfig struct {
	// APIKey authenticates against the provider. Usually set through
	// OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// RealtimeURL is the realtime websocket endpoint.
	RealtimeURL string `yaml:"realtime_url"`

	// Model is the realtime model.
	Model string `yaml:"model"`

	// FallbackModels are tried in order when Model keeps failing.
	FallbackModels []string `yaml:"fallback_models"`

	// Voice is the synthesised voice id. Default "alloy".
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent with every session.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel transcribes the user's speech. Default "whisper-1".
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection selects the provider's turn detection. Default "server_vad".
	TurnDetection string `yaml:"turn_detection"`

	// OfferURL receives forwarded session descriptions.
	OfferURL string `yaml:"offer_url"`

	// ChatURL receives forwarded chat completion requests.
	ChatURL string `yaml:"chat_url"`

	// RequestTimeout bounds forwarded HTTP requests and upstream dials.
	// Default 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Breaker tunes the circuit breaker around upstream session dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AudioConfig configures capture, chunking and playback on the client.
type AudioConfig struct {
	// SampleRate is the wire sample rate in Hz. Default 24000.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per capture block. Default 4096.
	BlockSize int `yaml:"block_size"`

	// SilenceThreshold is the amplitude above which a sample counts as sound.
	// Default 0.01.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MinBuffer is the minimum audio per outgoing frame. Default 100ms.
	MinBuffer time.Duration `yaml:"min_buffer"`

	// MaxSilenceFrames is the silent block count that flushes a frame.
	// Default 1000.
	MaxSilenceFrames int `yaml:"max_silence_frames"`

	// MaxPlaybackQueue caps queued inbound frames. 0 means unbounded.
	MaxPlaybackQueue int `yaml:"max_playback_queue"`

	// Linger is how long the client keeps listening after its input ends.
	// Default 5s.
	Linger time.Duration `yaml:"linger"`
}

// TransportConfig configures the client's connection to the relay.
type TransportConfig struct {
	// ServerURL is the relay's websocket endpoint.
	// Default "ws://localhost:4000/ws/audio".
	ServerURL string `yaml:"server_url"`

	// OfferURL, when set, enables session-description negotiation before the
	// websocket is dialed.
	OfferURL string `yaml:"offer_url"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	LivenessInterval     time.Duration `yaml:"liveness_interval"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxPendingFrames     int           `yaml:"max_pending_frames"`

	// ReconnectOnStall force-closes a link whose heartbeats stay unanswered
	// for StallChecks consecutive liveness checks.
	ReconnectOnStall bool `yaml:"reconnect_on_stall"`
	StallChecks      int  `yaml:"stall_checks"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name. Defaults to the binary
	// name chosen by the caller.
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint enables OTLP gRPC trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// StdoutTraces prints spans to stdout, for local debugging.
	StdoutTraces bool `yaml:"stdout_traces"`

	// MetricsPath is where the relay serves Prometheus metrics.
	// Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// HistoryConfig configures transcript persistence.
type HistoryConfig struct {
	// Driver selects the backend. Empty disables history.
	Driver HistoryDriver `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// RetentionDays prunes SQLite entries older than this on open. 0 keeps
	// everything.
	RetentionDays int `yaml:"retention_days"`

	// FlushInterval is how often transcripts are written in the background.
	// Default 2s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}
