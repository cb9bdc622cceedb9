package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the client-facing WebSocket server configuration
type ServerConfig struct {
	BindAddress     string `yaml:"bind_address"`
	Port            int    `yaml:"port"`
	TLSEnabled      bool   `yaml:"tls_enabled"`
	TLSCertPath     string `yaml:"tls_cert_path"`
	TLSKeyPath      string `yaml:"tls_key_path"`
	MaxConnections  int    `yaml:"max_connections"`
	PingInterval    int    `yaml:"ping_interval"` // seconds
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// HTTPConfig contains the monitoring HTTP API server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AudioConfig contains audio framing and segmentation parameters
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
	FrameMs            int     `yaml:"frame_ms"`
	MaxSegmentDuration float64 `yaml:"max_segment_duration_s"`
	AllowedSampleRates []int   `yaml:"allowed_sample_rates"`
	SegmentQueueSize   int     `yaml:"segment_queue_size"`
	SessionIdleTimeout int     `yaml:"session_idle_timeout"` // seconds
	DumpDir            string  `yaml:"dump_dir"`
}

// BackendConfig contains the streaming-ASR backend configuration
type BackendConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	TLSEnabled         bool   `yaml:"tls_enabled"`
	ConnectTimeout     int    `yaml:"connect_timeout"` // seconds
	MaxConnectAttempts int    `yaml:"max_connect_attempts"`
	ReconnectBackoff   int    `yaml:"reconnect_backoff"` // seconds, base for exponential backoff
	EventTimeout       int    `yaml:"event_timeout"`     // seconds without a backend event before warning
	FinalizeTimeout    int    `yaml:"finalize_timeout"`  // seconds to wait for the last final event
	CloseGrace         int    `yaml:"close_grace"`       // seconds for cooperative teardown
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the WebSocket server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.TLSEnabled {
		if s.TLSCertPath == "" {
			return fmt.Errorf("tls_cert_path cannot be empty when TLS is enabled")
		}
		if s.TLSKeyPath == "" {
			return fmt.Errorf("tls_key_path cannot be empty when TLS is enabled")
		}
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", s.PingInterval)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024 bytes, got %d", s.MaxMessageBytes)
	}

	return nil
}

// Validate validates the HTTP API configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates the audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FrameMs < 10 || a.FrameMs > 100 {
		return fmt.Errorf("frame_ms must be between 10 and 100, got %d", a.FrameMs)
	}

	if a.MaxSegmentDuration <= 0 {
		return fmt.Errorf("max_segment_duration_s must be positive, got %f", a.MaxSegmentDuration)
	}

	if len(a.AllowedSampleRates) == 0 {
		return fmt.Errorf("allowed_sample_rates cannot be empty")
	}

	if !a.SampleRateAllowed(a.SampleRate) {
		return fmt.Errorf("sample_rate %d is not in allowed_sample_rates %v",
			a.SampleRate, a.AllowedSampleRates)
	}

	if a.SegmentQueueSize < 1 {
		return fmt.Errorf("segment_queue_size must be at least 1, got %d", a.SegmentQueueSize)
	}

	if a.SessionIdleTimeout < 1 {
		return fmt.Errorf("session_idle_timeout must be at least 1 second, got %d", a.SessionIdleTimeout)
	}

	return nil
}

// Validate validates the backend configuration
func (b *BackendConfig) Validate() error {
	if b.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", b.Port)
	}

	if b.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", b.ConnectTimeout)
	}

	if b.MaxConnectAttempts < 1 {
		return fmt.Errorf("max_connect_attempts must be at least 1, got %d", b.MaxConnectAttempts)
	}

	if b.ReconnectBackoff < 1 {
		return fmt.Errorf("reconnect_backoff must be at least 1 second, got %d", b.ReconnectBackoff)
	}

	if b.EventTimeout < 1 {
		return fmt.Errorf("event_timeout must be at least 1 second, got %d", b.EventTimeout)
	}

	if b.FinalizeTimeout < 1 {
		return fmt.Errorf("finalize_timeout must be at least 1 second, got %d", b.FinalizeTimeout)
	}

	if b.CloseGrace < 1 {
		return fmt.Errorf("close_grace must be at least 1 second, got %d", b.CloseGrace)
	}

	return nil
}

// Validate validates the logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// SampleRateAllowed reports whether rate is in the configured allow-list
func (a *AudioConfig) SampleRateAllowed(rate int) bool {
	for _, r := range a.AllowedSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// MaxSegmentSamples returns the segment sample cap derived from the configured
// maximum segment duration and the negotiated sample rate. With the defaults
// (5.0 s at 16000 Hz) this is 80000 samples.
func (a *AudioConfig) MaxSegmentSamples(sampleRate int) int {
	return int(a.MaxSegmentDuration * float64(sampleRate))
}

// GetSessionIdleTimeout returns the session idle timeout as a time.Duration
func (a *AudioConfig) GetSessionIdleTimeout() time.Duration {
	return time.Duration(a.SessionIdleTimeout) * time.Second
}

// GetPingInterval returns the WebSocket ping interval as a time.Duration
func (s *ServerConfig) GetPingInterval() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetConnectTimeout returns the backend connect timeout as a time.Duration
func (b *BackendConfig) GetConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// GetReconnectBackoff returns the base reconnect backoff as a time.Duration
func (b *BackendConfig) GetReconnectBackoff() time.Duration {
	return time.Duration(b.ReconnectBackoff) * time.Second
}

// GetEventTimeout returns the backend event timeout as a time.Duration
func (b *BackendConfig) GetEventTimeout() time.Duration {
	return time.Duration(b.EventTimeout) * time.Second
}

// GetFinalizeTimeout returns the finalize timeout as a time.Duration
func (b *BackendConfig) GetFinalizeTimeout() time.Duration {
	return time.Duration(b.FinalizeTimeout) * time.Second
}

// GetCloseGrace returns the teardown grace period as a time.Duration
func (b *BackendConfig) GetCloseGrace() time.Duration {
	return time.Duration(b.CloseGrace) * time.Second
}
