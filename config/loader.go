package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from an optional JSON file, applies RELAYBUS_*
// environment overrides, fills defaults, and validates. An empty path yields
// the default configuration (plus environment overrides).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides layers RELAYBUS_* environment variables over the file
// configuration. Unparseable values are ignored in favor of the file value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYBUS_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("RELAYBUS_ENVIRONMENT"); v != "" {
		cfg.Node.Environment = v
	}
	if v := os.Getenv("RELAYBUS_HOST"); v != "" {
		cfg.Relay.Host = v
	}
	if v, ok := envInt("RELAYBUS_PORT"); ok {
		cfg.Relay.Port = v
	}
	if v, ok := envInt("RELAYBUS_ADMIN_PORT"); ok {
		cfg.Relay.AdminPort = v
	}
	if v := os.Getenv("RELAYBUS_ALLOWED_ORIGINS"); v != "" {
		cfg.Relay.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("RELAYBUS_NATS_URLS"); v != "" {
		cfg.NATS.URLs = splitAndTrim(v)
	}
	if v := os.Getenv("RELAYBUS_NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := os.Getenv("RELAYBUS_NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
	if v := os.Getenv("RELAYBUS_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv("RELAYBUS_STORE_MODE"); v != "" {
		cfg.Store.Mode = v
	}
	if v := os.Getenv("RELAYBUS_STORE_BUCKET"); v != "" {
		cfg.Store.Bucket = v
	}
	if v, ok := envDuration("RELAYBUS_BEAT_INTERVAL"); ok {
		cfg.Session.BeatInterval = v
	}
	if v, ok := envDuration("RELAYBUS_SHUTDOWN_GRACE"); ok {
		cfg.Session.ShutdownGrace = v
	}
	if v := os.Getenv("RELAYBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RELAYBUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
