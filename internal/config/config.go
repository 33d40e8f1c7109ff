// Package config loads the proposer's environment-variable configuration
// (spec §6), failing fast on any missing required value. Grounded on
// services/otc-gateway/config's FromEnv idiom. Operational tunables (never
// secrets or the required identifiers) may additionally be overridden by an
// optional YAML file named in PROPOSER_CONFIG_FILE, following the
// file-provides-defaults/env-overrides layering of gateway/config.Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration for cmd/proposerd.
type Config struct {
	ProposerAddress      string
	ProposerKeyPath      string
	ProposerKeyPassword  string
	BundleTrackerAddress string
	VaultTrackerAddress  string
	ChainAPIBaseURL      string
	ChainAPIKey          string
	ChainRequestsPerSec  float64
	StoreURL             string
	DatabaseURL          string
	TickInterval         time.Duration
	BundleTimeout        time.Duration
	NameCacheTTL         time.Duration
	WebhookURL           string
	WebhookSecret        string
	WebhookRateLimit     int
	PinEnabled           bool
	HTTPPort             string
	Environment          string
	OTelEndpoint         string
	OTelInsecure         bool
	OTelHeaders          string
	OTelEnabled          bool
}

func requireEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return value, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envDurationMsOr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer millisecond count: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envFloatOr(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number: %w", key, err)
	}
	return parsed, nil
}

func envIntOr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func envBoolOr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	return parsed, nil
}

// fileOverrides holds the operational tunables PROPOSER_CONFIG_FILE may
// supply. It never carries secrets or the required on-chain identifiers —
// those stay env-only, matching gateway/config.Config's split between
// file-sourced service settings and env-sourced credentials.
type fileOverrides struct {
	TickMS                    *int64   `yaml:"tickMs"`
	BundleTimeoutMS           *int64   `yaml:"bundleTimeoutMs"`
	NameCacheTTLMS            *int64   `yaml:"nameCacheTtlMs"`
	PinEnabled                *bool    `yaml:"pinEnabled"`
	WebhookRateLimitPerMinute *int     `yaml:"webhookRateLimitPerMinute"`
	ChainRequestsPerSecond    *float64 `yaml:"chainRequestsPerSecond"`
}

// loadFileOverrides reads the optional YAML overlay named by
// PROPOSER_CONFIG_FILE. An empty path is not an error: the overlay is
// opt-in, and every field defaults through the usual env-or-hardcoded path.
func loadFileOverrides(path string) (fileOverrides, error) {
	if path == "" {
		return fileOverrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverrides{}, fmt.Errorf("config: read PROPOSER_CONFIG_FILE %s: %w", path, err)
	}
	var out fileOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return fileOverrides{}, fmt.Errorf("config: parse PROPOSER_CONFIG_FILE %s: %w", path, err)
	}
	return out, nil
}

func durationMsFallback(override *int64, hardcoded time.Duration) time.Duration {
	if override == nil {
		return hardcoded
	}
	return time.Duration(*override) * time.Millisecond
}

func boolFallback(override *bool, hardcoded bool) bool {
	if override == nil {
		return hardcoded
	}
	return *override
}

func intFallback(override *int, hardcoded int) int {
	if override == nil {
		return hardcoded
	}
	return *override
}

func floatFallback(override *float64, hardcoded float64) float64 {
	if override == nil {
		return hardcoded
	}
	return *override
}

// FromEnv reads and validates every environment variable named in spec §6,
// returning the first missing-or-malformed value as an error.
func FromEnv() (*Config, error) {
	var cfg Config
	var err error

	if cfg.ProposerAddress, err = requireEnv("PROPOSER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.ProposerKeyPath, err = requireEnv("PROPOSER_KEY"); err != nil {
		return nil, err
	}
	if cfg.BundleTrackerAddress, err = requireEnv("BUNDLE_TRACKER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.VaultTrackerAddress, err = requireEnv("VAULT_TRACKER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.ChainAPIKey, err = requireEnv("CHAIN_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.StoreURL, err = requireEnv("STORE_URL"); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL, err = requireEnv("DB_URL"); err != nil {
		return nil, err
	}

	cfg.ChainAPIBaseURL = envOr("CHAIN_API_URL", cfg.StoreURL)
	cfg.HTTPPort = envOr("HTTP_PORT", "8080")
	cfg.Environment = envOr("PROPOSER_ENV", "")
	cfg.WebhookURL = envOr("WEBHOOK_URL", "")
	cfg.WebhookSecret = envOr("WEBHOOK_SECRET", "")
	cfg.ProposerKeyPassword = envOr("PROPOSER_KEY_PASSPHRASE", "")

	file, err := loadFileOverrides(strings.TrimSpace(os.Getenv("PROPOSER_CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	if cfg.TickInterval, err = envDurationMsOr("TICK_MS", durationMsFallback(file.TickMS, 2*time.Second)); err != nil {
		return nil, err
	}
	if cfg.BundleTimeout, err = envDurationMsOr("BUNDLE_TIMEOUT_MS", durationMsFallback(file.BundleTimeoutMS, 30*time.Second)); err != nil {
		return nil, err
	}
	if cfg.NameCacheTTL, err = envDurationMsOr("NAME_CACHE_TTL_MS", durationMsFallback(file.NameCacheTTLMS, time.Hour)); err != nil {
		return nil, err
	}
	if cfg.PinEnabled, err = envBoolOr("PIN_ENABLED", boolFallback(file.PinEnabled, true)); err != nil {
		return nil, err
	}
	if cfg.WebhookRateLimit, err = envIntOr("WEBHOOK_RATE_LIMIT_PER_MINUTE", intFallback(file.WebhookRateLimitPerMinute, 60)); err != nil {
		return nil, err
	}

	if cfg.ChainRequestsPerSec, err = envFloatOr("CHAIN_API_REQUESTS_PER_SECOND", floatFallback(file.ChainRequestsPerSecond, 20)); err != nil {
		return nil, err
	}

	cfg.OTelEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTelHeaders = envOr("OTEL_EXPORTER_OTLP_HEADERS", "")
	cfg.OTelEnabled = cfg.OTelEndpoint != ""
	if cfg.OTelInsecure, err = envBoolOr("OTEL_EXPORTER_OTLP_INSECURE", false); err != nil {
		return nil, err
	}

	return &cfg, nil
}
