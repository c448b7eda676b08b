package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidAuthStrategies lists the recognised credential encodings for
// server.auth_strategy.
var ValidAuthStrategies = []string{"query", "subprotocol", "handshake"}

// Default values applied by [applyDefaults] for fields left at their
// zero value.
const (
	DefaultProtocolVersion    = 1
	DefaultAuthStrategy       = "query"
	DefaultHandshakeTimeoutMs = 10000
	DefaultReconnectInterval  = 3000
	DefaultMaxAttempts        = 10
	DefaultCaptureRate        = 16000
	DefaultFrameDurationMs    = 60
	DefaultPlaybackRate       = 24000
	DefaultChannels           = 1
	DefaultIdentityPath       = "skylark.db"
)

// Load reads the YAML configuration file at path and returns a
// validated [Config] with defaults applied. It is a convenience
// wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields and expands environment
// references in the token.
func applyDefaults(cfg *Config) {
	cfg.Server.Token = os.ExpandEnv(cfg.Server.Token)
	if cfg.Server.ProtocolVersion == 0 {
		cfg.Server.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.Server.AuthStrategy == "" {
		cfg.Server.AuthStrategy = DefaultAuthStrategy
	}
	if cfg.Server.HandshakeTimeoutMs == 0 {
		cfg.Server.HandshakeTimeoutMs = DefaultHandshakeTimeoutMs
	}
	if cfg.Reconnect.IntervalMs == 0 {
		cfg.Reconnect.IntervalMs = DefaultReconnectInterval
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = DefaultCaptureRate
	}
	if cfg.Audio.FrameDurationMs == 0 {
		cfg.Audio.FrameDurationMs = DefaultFrameDurationMs
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = DefaultPlaybackRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = DefaultIdentityPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(cfg.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url %q is not a valid URL: %w", cfg.Server.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if !slices.Contains(ValidAuthStrategies, cfg.Server.AuthStrategy) {
		errs = append(errs, fmt.Errorf("server.auth_strategy %q is invalid; valid values: %s",
			cfg.Server.AuthStrategy, strings.Join(ValidAuthStrategies, ", ")))
	}
	if cfg.Server.ProtocolVersion < 1 {
		errs = append(errs, fmt.Errorf("server.protocol_version %d is invalid; must be >= 1", cfg.Server.ProtocolVersion))
	}
	if cfg.Server.HandshakeTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("server.handshake_timeout_ms %d is invalid; must be >= 0", cfg.Server.HandshakeTimeoutMs))
	}
	if strings.TrimSpace(cfg.Server.Token) == "" {
		slog.Warn("server.token is empty; connection attempts will be rejected before dialing")
	}

	// Reconnect
	if cfg.Reconnect.IntervalMs < 0 {
		errs = append(errs, fmt.Errorf("reconnect.interval_ms %d is invalid; must be >= 0", cfg.Reconnect.IntervalMs))
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d is invalid; must be >= 0", cfg.Reconnect.MaxAttempts))
	}

	// Audio
	if cfg.Audio.CaptureSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d is invalid; must be > 0", cfg.Audio.CaptureSampleRate))
	}
	if cfg.Audio.PlaybackSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d is invalid; must be > 0", cfg.Audio.PlaybackSampleRate))
	}
	if cfg.Audio.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; must be > 0", cfg.Audio.FrameDurationMs))
	}
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; must be > 0", cfg.Audio.Channels))
	}
	if cfg.Audio.MaxQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.max_queue_depth %d is invalid; must be >= 0", cfg.Audio.MaxQueueDepth))
	}

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
