// Package config provides the configuration schema and loader for the
// Skylark voice client.
package config

// LogLevel controls log verbosity for the client.
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

// Config is the root configuration structure for the Skylark client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Audio     AudioConfig     `yaml:"audio"`

	// IdentityPath is the path of the persisted device/client identity
	// database.
	IdentityPath string `yaml:"identity_path"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServerConfig describes the voice server endpoint and how credentials
// reach it.
type ServerConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Token is the bearer token presented during connection
	// establishment. Environment references such as ${SKYLARK_TOKEN}
	// are expanded at load time so the token itself can stay out of
	// the file.
	Token string `yaml:"token"`

	// ProtocolVersion is the wire protocol version announced in the
	// hello message. Defaults to 1.
	ProtocolVersion int `yaml:"protocol_version"`

	// AuthStrategy selects how credentials are encoded into the
	// connection: "query", "subprotocol", or "handshake".
	// Defaults to "query".
	AuthStrategy string `yaml:"auth_strategy"`

	// HandshakeTimeoutMs bounds transport open plus hello exchange.
	// Defaults to 10000.
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
}

// ReconnectConfig controls automatic reconnection after an unexpected
// transport closure.
type ReconnectConfig struct {
	// Enabled turns automatic reconnection on. Defaults to true when
	// omitted.
	Enabled *bool `yaml:"enabled"`

	// IntervalMs is the fixed delay between attempts. Defaults to 3000.
	IntervalMs int `yaml:"interval_ms"`

	// MaxAttempts caps consecutive failed attempts before giving up.
	// Defaults to 10.
	MaxAttempts int `yaml:"max_attempts"`
}

// IsEnabled reports the effective reconnect setting.
func (r ReconnectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AudioConfig fixes the audio formats of both directions.
type AudioConfig struct {
	// CaptureSampleRate in Hz for the microphone direction.
	// Defaults to 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// FrameDurationMs is the fixed capture frame duration.
	// Defaults to 60.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// PlaybackSampleRate in Hz for the server-to-client direction.
	// Defaults to 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// Channels for both directions. Defaults to 1 (mono voice).
	Channels int `yaml:"channels"`

	// MaxQueueDepth bounds the playback queue; the oldest queued
	// frames are dropped on overflow. 0 leaves the queue unbounded.
	MaxQueueDepth int `yaml:"max_queue_depth"`
}
