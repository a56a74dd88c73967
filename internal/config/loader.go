package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by [applyEnv]. They override whatever the
// config file says, so deployments can retarget an agent without editing
// files.
const (
	envEnvironment  = "SESHAT_ENVIRONMENT"
	envAPIBaseURL   = "SESHAT_API_BASE_URL"
	envSocketURL    = "SESHAT_SOCKET_URL"
	envFeatureFlags = "SESHAT_FEATURE_FLAGS"
	envLogLevel     = "SESHAT_LOG_LEVEL"
)

// Load reads the configuration at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fall through to env overrides with defaults.
	case err != nil:
		return nil, fmt.Errorf("open config: %w", err)
	default:
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromReader parses configuration YAML from r on top of the defaults and
// validates it. Environment overrides are not applied; this is the
// test-friendly entry point.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envEnvironment); v != "" {
		cfg.Runtime.Environment = Environment(v)
	}
	if v := os.Getenv(envAPIBaseURL); v != "" {
		cfg.Runtime.APIBaseURL = v
	}
	if v := os.Getenv(envSocketURL); v != "" {
		cfg.Runtime.SocketURL = v
	}
	if v := os.Getenv(envFeatureFlags); v != "" {
		cfg.Runtime.FeatureFlags = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks the configuration for internal consistency. All problems
// are reported at once as a joined error.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if !c.Runtime.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("runtime.environment %q is not one of development, production, test", c.Runtime.Environment))
	}
	if c.Runtime.APIBaseURL == "" {
		errs = append(errs, errors.New("runtime.api_base_url must not be empty"))
	}
	switch {
	case c.Runtime.SocketURL == "":
		errs = append(errs, errors.New("runtime.socket_url must not be empty"))
	case !strings.HasPrefix(c.Runtime.SocketURL, "ws://") && !strings.HasPrefix(c.Runtime.SocketURL, "wss://"):
		errs = append(errs, fmt.Errorf("runtime.socket_url %q must use the ws or wss scheme", c.Runtime.SocketURL))
	}
	if c.Capture.MaxAttempts < 1 {
		errs = append(errs, errors.New("capture.max_attempts must be at least 1"))
	}
	if c.Capture.RetryBackoff < 0 {
		errs = append(errs, errors.New("capture.retry_backoff must not be negative"))
	}
	if c.Capture.SampleRate <= 0 {
		errs = append(errs, errors.New("capture.sample_rate must be positive"))
	}
	if c.Capture.Channels < 1 || c.Capture.Channels > 2 {
		errs = append(errs, errors.New("capture.channels must be 1 or 2"))
	}
	if c.Resilience.InitialReconnectionDelay <= 0 {
		errs = append(errs, errors.New("resilience.initial_reconnection_delay must be positive"))
	}
	if c.Resilience.ReconnectionDelayJitter < 0 {
		errs = append(errs, errors.New("resilience.reconnection_delay_jitter must not be negative"))
	}
	if c.Resilience.MaxReconnectionAttempts < 1 {
		errs = append(errs, errors.New("resilience.max_reconnection_attempts must be at least 1"))
	}
	if c.Resilience.NetworkCheckInterval <= 0 {
		errs = append(errs, errors.New("resilience.network_check_interval must be positive"))
	}

	return errors.Join(errs...)
}
