// Package config provides the configuration schema, loader, and provider
// registry for the voxgate runtime.
package config

import "time"

// Config is the root configuration structure for a voxgate gateway process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Providers  map[string]ProviderEntry `yaml:"providers"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// ServerConfig holds network, TLS, and logging settings for the Wire Gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8443").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// TLSEnabled switches the gateway listener from plain HTTP to HTTPS.
	TLSEnabled bool `yaml:"tls_enabled"`

	// TLSCertPath and TLSKeyPath locate the certificate/key pair when
	// TLSEnabled is true.
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`

	// AudioClientSampleRate is the PCM sample rate the gateway advertises to
	// clients that don't negotiate one explicitly.
	AudioClientSampleRate int `yaml:"audio_client_sample_rate"`
}

// SessionConfig configures the Session Manager's TTL and reaper cadence.
type SessionConfig struct {
	// TTLSeconds is the session TTL: the distributed store expires a session
	// not saved for this long, and ReapStale force-ends a live session whose
	// age since start exceeds it. Default 3600.
	TTLSeconds int `yaml:"ttl_seconds"`

	// CleanupIntervalMs is the reaper's polling interval. Default 60000.
	CleanupIntervalMs int `yaml:"cleanup_interval_ms"`
}

// TTL returns the configured session TTL, defaulting to 3600s when unset.
func (s SessionConfig) TTL() time.Duration {
	if s.TTLSeconds <= 0 {
		return 3600 * time.Second
	}
	return time.Duration(s.TTLSeconds) * time.Second
}

// CleanupInterval returns the configured reaper tick, defaulting to 60s.
func (s SessionConfig) CleanupInterval() time.Duration {
	if s.CleanupIntervalMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.CleanupIntervalMs) * time.Millisecond
}

// AdmissionConfig configures the Admission Controller's stale-reservation
// reclamation window.
type AdmissionConfig struct {
	// MaxStaleCallMinutes bounds how long a call may stay in progress before
	// its reservation is reclaimed. Reclamation goes by call start time alone;
	// it does not check for a matching active session. Default 60.
	MaxStaleCallMinutes int `yaml:"max_stale_call_minutes"`
}

// MaxStaleCallAge returns the configured reclamation window, defaulting to
// 60 minutes when unset.
func (a AdmissionConfig) MaxStaleCallAge() time.Duration {
	if a.MaxStaleCallMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(a.MaxStaleCallMinutes) * time.Minute
}

// RedisConfig locates the distributed session store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig locates the admission/billing durable store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ProviderEntry is the common configuration block shared by all provider
// types registered in the process-wide [Registry]. A tenant's
// [pkg/types.ProviderSelection.Provider] slug is looked up here for
// credentials and defaults; per-session overrides still flow through
// ProviderSelection.Options.
type ProviderEntry struct {
	// Kind selects which registry category this entry belongs to: "llm",
	// "stt", "tts", or "vad".
	Kind string `yaml:"kind"`

	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	// Valid values: "stdio", "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for the streamable-http transport.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
