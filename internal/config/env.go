package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Recognized environment options. Each overrides the corresponding YAML
// field when set, so container deployments can reconfigure the runtime
// without editing the config file.
const (
	envSessionTTLSeconds      = "SESSION_TTL_SECONDS"
	envSessionCleanupInterval = "SESSION_CLEANUP_INTERVAL_MS"
	envMaxStaleCallMinutes    = "MAX_STALE_CALL_MINUTES"
	envAudioClientSampleRate  = "AUDIO_CLIENT_SAMPLE_RATE"
	envTLSEnabled             = "TLS_ENABLED"
	envTLSCertPath            = "TLS_CERT_PATH"
	envTLSKeyPath             = "TLS_KEY_PATH"
	envRedisAddr              = "REDIS_ADDR"
	envPostgresDSN            = "POSTGRES_DSN"
)

// ApplyEnvOverrides layers recognized environment variables over cfg.
// Malformed numeric values are reported as errors rather than silently
// ignored, matching the loader's strict-decode posture.
func ApplyEnvOverrides(cfg *Config) error {
	var errs []string

	setInt := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not an integer", name, v))
			return
		}
		*dst = n
	}

	setInt(envSessionTTLSeconds, &cfg.Session.TTLSeconds)
	setInt(envSessionCleanupInterval, &cfg.Session.CleanupIntervalMs)
	setInt(envMaxStaleCallMinutes, &cfg.Admission.MaxStaleCallMinutes)
	setInt(envAudioClientSampleRate, &cfg.Server.AudioClientSampleRate)

	if v, ok := os.LookupEnv(envTLSEnabled); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a boolean", envTLSEnabled, v))
		} else {
			cfg.Server.TLSEnabled = b
		}
	}
	if v := os.Getenv(envTLSCertPath); v != "" {
		cfg.Server.TLSCertPath = v
	}
	if v := os.Getenv(envTLSKeyPath); v != "" {
		cfg.Server.TLSKeyPath = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(envPostgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}

	// Per-provider credentials: STT_/LLM_/TTS_-prefixed API keys overlay any
	// provider entry of the matching kind that has no key configured, so
	// secrets stay out of the YAML file.
	applyProviderKeys(cfg)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyProviderKeys fills empty APIKey fields from <KIND>_API_KEY variables
// (e.g. STT_API_KEY, LLM_API_KEY, TTS_API_KEY) and, more specifically, from
// <KIND>_<NAME>_API_KEY (e.g. STT_DEEPGRAM_API_KEY).
func applyProviderKeys(cfg *Config) {
	for name, entry := range cfg.Providers {
		if entry.APIKey != "" {
			continue
		}
		kind := strings.ToUpper(entry.Kind)
		slug := strings.ToUpper(strings.ReplaceAll(entry.Name, "-", "_"))
		for _, envName := range []string{
			kind + "_" + slug + "_API_KEY",
			kind + "_API_KEY",
		} {
			if v := os.Getenv(envName); v != "" {
				entry.APIKey = v
				cfg.Providers[name] = entry
				slog.Debug("provider api key sourced from environment", "provider", name, "env", envName)
				break
			}
		}
	}
}
