package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is consulted when provider.api_key is empty.
const APIKeyEnv = "OPENAI_API_KEY"

// ValidProviderNames lists the upstream provider names shipped with parley.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "mock"}

// Defaults.
const (
	DefaultListenAddr            = ":5000"
	DefaultProviderName          = "openai-realtime"
	DefaultModel                 = "gpt-4o-mini-realtime-preview"
	DefaultInputSampleRate       = 16000
	DefaultConnectTimeout        = 10 * time.Second
	DefaultServerURL             = "ws://localhost:5000/ws"
	DefaultCaptureSampleRate     = 24000
	DefaultChunkSamples          = 4096
	DefaultDevicePeriod          = 20 * time.Millisecond
	DefaultPlaybackSampleRate    = 24000
	DefaultChunkGroupMax         = 3
	DefaultChunkGroupMaxDuration = 300 * time.Millisecond
	DefaultDeviceBuffer          = 100 * time.Millisecond
	DefaultMaxRetries            = 10
	DefaultBackoff               = 1 * time.Second
	DefaultMaxBackoff            = 30 * time.Second
	DefaultMetricsPath           = "/metrics"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyEnv fills unset secrets from the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(APIKeyEnv)
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Provider.Name, DefaultProviderName)
	setDefault(&cfg.Provider.Model, DefaultModel)
	setDefault(&cfg.Provider.InputSampleRate, DefaultInputSampleRate)
	setDefault(&cfg.Provider.ConnectTimeout, DefaultConnectTimeout)

	c := &cfg.Client
	setDefault(&c.ServerURL, DefaultServerURL)
	setDefault(&c.Capture.SampleRate, DefaultCaptureSampleRate)
	setDefault(&c.Capture.ChunkSamples, DefaultChunkSamples)
	setDefault(&c.Capture.DevicePeriod, DefaultDevicePeriod)
	setDefault(&c.Playback.SampleRate, DefaultPlaybackSampleRate)
	setDefault(&c.Playback.Channels, 1)
	setDefault(&c.Playback.ChunkGroupMax, DefaultChunkGroupMax)
	setDefault(&c.Playback.ChunkGroupMaxDuration, DefaultChunkGroupMaxDuration)
	setDefault(&c.Playback.DeviceBuffer, DefaultDeviceBuffer)
	setDefault(&c.Reconnect.MaxRetries, DefaultMaxRetries)
	setDefault(&c.Reconnect.Backoff, DefaultBackoff)
	setDefault(&c.Reconnect.MaxBackoff, DefaultMaxBackoff)

	setDefault(&cfg.Telemetry.ServiceName, "parley")
	setDefault(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("provider.input_sample_rate %d must be positive", cfg.Provider.InputSampleRate))
	}
	if cfg.Provider.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.connect_timeout %v must not be negative", cfg.Provider.ConnectTimeout))
	}
	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d must be positive", cfg.Provider.Breaker.MaxFailures))
	}
	if cfg.Provider.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.reset_timeout %v must not be negative", cfg.Provider.Breaker.ResetTimeout))
	}
	if cfg.Provider.BaseURL != "" {
		if u, err := url.Parse(cfg.Provider.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("provider.base_url %q must be a ws:// or wss:// URL", cfg.Provider.BaseURL))
		}
	}

	// Client
	c := cfg.Client
	if c.ServerURL != "" {
		if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("client.server_url %q must be a ws:// or wss:// URL", c.ServerURL))
		}
	}
	if c.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("client.capture.sample_rate %d must be positive", c.Capture.SampleRate))
	}
	if c.Capture.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("client.capture.chunk_samples %d must be positive", c.Capture.ChunkSamples))
	}
	if c.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("client.playback.sample_rate %d must be positive", c.Playback.SampleRate))
	}
	if c.Playback.Channels < 0 || c.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("client.playback.channels %d is out of range [1, 2]", c.Playback.Channels))
	}
	if c.Playback.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("client.playback.device_sample_rate %d must not be negative", c.Playback.DeviceSampleRate))
	}
	if c.Playback.DeviceChannels < 0 || c.Playback.DeviceChannels > 2 {
		errs = append(errs, fmt.Errorf("client.playback.device_channels %d is out of range [0, 2]", c.Playback.DeviceChannels))
	}
	if c.Playback.ChunkGroupMax < 0 {
		errs = append(errs, fmt.Errorf("client.playback.chunk_group_max %d must be positive", c.Playback.ChunkGroupMax))
	}
	if c.Playback.ChunkGroupMaxDuration < 0 {
		errs = append(errs, fmt.Errorf("client.playback.chunk_group_max_duration %v must not be negative", c.Playback.ChunkGroupMaxDuration))
	}
	if c.Playback.InitialPlaybackDelay < 0 {
		errs = append(errs, fmt.Errorf("client.playback.initial_playback_delay %v must not be negative", c.Playback.InitialPlaybackDelay))
	}
	if c.Reconnect.MaxBackoff != 0 && c.Reconnect.Backoff > c.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("client.reconnect.backoff %v exceeds max_backoff %v", c.Reconnect.Backoff, c.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
