// Package config provides the configuration schema, loader, provider registry
// and file watcher for parley.
package config

import "time"

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

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Client    ClientConfig    `yaml:"client"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on (e.g., ":5000").
	// The websocket endpoint, health probes and /metrics share it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for both subcommands.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the upstream speech service the relay bridges to.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Falls back to
	// the OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model.
	Model string `yaml:"model"`

	// InputSampleRate is the PCM rate the provider expects. Client audio is
	// resampled to it. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// ConnectTimeout bounds the wait for the provider's session handshake.
	// Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Instructions is an optional system prompt sent with the session update.
	Instructions string `yaml:"instructions"`

	// Voice selects the synthesized voice. Empty uses the provider default.
	Voice string `yaml:"voice"`

	// Breaker guards upstream connects.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around upstream connects.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive connect failures that opens
	// the circuit. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long new sessions are refused before the next
	// probe. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ClientConfig configures the duplex voice client.
type ClientConfig struct {
	// ServerURL is the relay websocket endpoint (e.g., "ws://localhost:5000/ws").
	ServerURL string `yaml:"server_url"`

	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	// SampleRate of the capture device and of outbound chunks. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSamples is the fixed number of samples per outbound chunk.
	// Default: 4096.
	ChunkSamples int `yaml:"chunk_samples"`

	// DevicePeriod is the requested capture callback period. Default: 20ms.
	DevicePeriod time.Duration `yaml:"device_period"`
}

// PlaybackConfig configures the speaker side and the scheduling engine.
type PlaybackConfig struct {
	// SampleRate of inbound audio_chunk PCM. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of inbound PCM. Default: 1.
	Channels int `yaml:"channels"`

	// ChunkGroupMax is the maximum number of inbound chunks decoded together.
	// Default: 3.
	ChunkGroupMax int `yaml:"chunk_group_max"`

	// ChunkGroupMaxDuration caps the estimated audio per decode call.
	// Default: 300ms.
	ChunkGroupMaxDuration time.Duration `yaml:"chunk_group_max_duration"`

	// InitialPlaybackDelay is added to the start time of a segment that
	// would otherwise start immediately (first of a response or after an
	// underrun). Default: 0.
	InitialPlaybackDelay time.Duration `yaml:"initial_playback_delay"`

	// DeviceBuffer is the speaker's output buffer length. Default: 100ms.
	DeviceBuffer time.Duration `yaml:"device_buffer"`

	// DeviceSampleRate opens the speaker at a rate other than SampleRate.
	// Decoded audio is converted on schedule. Default: 0, the stream rate.
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// DeviceChannels opens the speaker with a channel count other than
	// Channels. Default: 0, the stream layout.
	DeviceChannels int `yaml:"device_channels"`
}

// DeviceFormat returns the format the speaker is opened in: the stream
// format with any device override applied.
func (p PlaybackConfig) DeviceFormat() (rate, channels int) {
	rate, channels = p.SampleRate, p.Channels
	if p.DeviceSampleRate > 0 {
		rate = p.DeviceSampleRate
	}
	if p.DeviceChannels > 0 {
		channels = p.DeviceChannels
	}
	return rate, channels
}

// ReconnectConfig controls transport reconnection with exponential backoff.
type ReconnectConfig struct {
	// MaxRetries is the maximum number of attempts per drop. Default: 10.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial delay between attempts. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig controls OpenTelemetry setup.
type TelemetryConfig struct {
	// ServiceName reported on metrics and traces. Default: "parley".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus scrape handler is mounted on the
	// relay listener. Default: "/metrics". Set to "-" to disable.
	MetricsPath string `yaml:"metrics_path"`
}
