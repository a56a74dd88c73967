// Package config provides the configuration schema and loader for the
// capture agent.
//
// Configuration is layered: hardcoded localhost defaults, then an optional
// YAML file, then environment-variable overrides (the deploy-time injection
// point). See [Load].
package config

import (
	"strings"
	"time"
)

// LogLevel controls log verbosity for the capture agent.
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

// Environment names the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// IsValid reports whether e is a recognised environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvProduction, EnvTest:
		return true
	}
	return false
}

// Feature flag names recognised by the agent.
const (
	// FlagLatencyTracking retains grant latency in capture state and
	// diagnostics. Off by default.
	FlagLatencyTracking = "enableLatencyTracking"

	// FlagNetworkMonitor enables the periodic network reachability probe.
	FlagNetworkMonitor = "enableNetworkMonitor"
)

// Config is the root configuration structure for the capture agent.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Capture    CaptureConfig    `yaml:"capture"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the debug HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the debug server (health + metrics)
	// listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RuntimeConfig is the environment-injected runtime configuration: which
// backend to talk to and which feature flags are active.
type RuntimeConfig struct {
	// Environment names the deployment environment.
	Environment Environment `yaml:"environment"`

	// APIBaseURL is the transcription service's HTTP API base.
	APIBaseURL string `yaml:"api_base_url"`

	// SocketURL is the realtime endpoint the transport connects to.
	SocketURL string `yaml:"socket_url"`

	// FeatureFlags is the comma-separated active flag list.
	FeatureFlags string `yaml:"feature_flags"`
}

// HasFlag reports whether the named feature flag is active.
func (r RuntimeConfig) HasFlag(name string) bool {
	for _, f := range strings.Split(r.FeatureFlags, ",") {
		if strings.TrimSpace(f) == name {
			return true
		}
	}
	return false
}

// CaptureConfig tunes the capture controller.
type CaptureConfig struct {
	// MaxAttempts is the grant retry budget per Start call.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the fixed delay between grant attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// SampleRate is the default requested sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the default requested channel count.
	Channels int `yaml:"channels"`

	// DeviceID selects a specific input device. Empty means host default.
	DeviceID string `yaml:"device_id"`
}

// ResilienceConfig tunes transport reconnection.
type ResilienceConfig struct {
	// InitialReconnectionDelay is the base reconnect delay.
	InitialReconnectionDelay time.Duration `yaml:"initial_reconnection_delay"`

	// ReconnectionDelayJitter is the maximum random spread per delay.
	ReconnectionDelayJitter time.Duration `yaml:"reconnection_delay_jitter"`

	// MaxReconnectionAttempts bounds consecutive reconnection attempts.
	MaxReconnectionAttempts int `yaml:"max_reconnection_attempts"`

	// NetworkCheckInterval is how often the online probe runs when the
	// network monitor flag is active.
	NetworkCheckInterval time.Duration `yaml:"network_check_interval"`
}

// Default returns the hardcoded localhost fallback configuration used when
// no config file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
			LogLevel:   LogInfo,
		},
		Runtime: RuntimeConfig{
			Environment: EnvDevelopment,
			APIBaseURL:  "http://localhost:3001",
			SocketURL:   "ws://localhost:3001/realtime",
		},
		Capture: CaptureConfig{
			MaxAttempts:  3,
			RetryBackoff: 500 * time.Millisecond,
			SampleRate:   16000,
			Channels:     1,
		},
		Resilience: ResilienceConfig{
			InitialReconnectionDelay: 1 * time.Second,
			ReconnectionDelayJitter:  250 * time.Millisecond,
			MaxReconnectionAttempts:  10,
			NetworkCheckInterval:     15 * time.Second,
		},
	}
}
