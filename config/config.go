package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // In-memory only, single-node deployments
	StorageModeNATS   = "nats"   // NATS JetStream KV backed shared store
)

// Config represents the complete relay configuration
type Config struct {
	Node    NodeConfig    `json:"node"`
	Relay   RelayConfig   `json:"relay"`
	NATS    NATSConfig    `json:"nats,omitempty"`
	Store   StoreConfig   `json:"store"`
	Session SessionConfig `json:"session"`
	Broker  BrokerConfig  `json:"broker"`
	Logging LoggingConfig `json:"logging"`
}

// NodeConfig defines relay node identity
type NodeConfig struct {
	ID          string `json:"id,omitempty"`          // stable node id; generated if empty
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// RelayConfig defines the listening surfaces
type RelayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	AdminPort      int      `json:"admin_port,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all
}

// Addr returns the websocket listen address
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AdminAddr returns the admin HTTP listen address
func (r RelayConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.AdminPort)
}

// NATSConfig for the shared-store connection
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// StoreConfig selects and tunes the shared store
type StoreConfig struct {
	Mode   string `json:"mode,omitempty"`   // "memory" or "nats"
	Bucket string `json:"bucket,omitempty"` // JetStream KV bucket name
}

// SessionConfig tunes the socket session layer
type SessionConfig struct {
	BeatInterval      time.Duration `json:"beat_interval,omitempty"`      // liveness tick
	MaxPayloadBytes   int64         `json:"max_payload_bytes,omitempty"`  // frame size ceiling
	OutboundQueueSize int           `json:"outbound_queue_size,omitempty"`
	WriteTimeout      time.Duration `json:"write_timeout,omitempty"`
	ShutdownGrace     time.Duration `json:"shutdown_grace,omitempty"`
}

// BrokerConfig tunes message retention
type BrokerConfig struct {
	MaxTTL time.Duration `json:"max_ttl,omitempty"` // cap on publisher-supplied ttl
}

// LoggingConfig controls the slog handler
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json, text
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults
func (c *Config) ApplyDefaults() {
	if c.Relay.Port == 0 {
		c.Relay.Port = 5000
	}
	if c.Relay.AdminPort == 0 {
		c.Relay.AdminPort = 5001
	}
	if c.Store.Mode == "" {
		c.Store.Mode = StorageModeMemory
	}
	if c.Store.Bucket == "" {
		c.Store.Bucket = "relay_state"
	}
	if c.Session.BeatInterval == 0 {
		c.Session.BeatInterval = 5 * time.Second
	}
	if c.Session.MaxPayloadBytes == 0 {
		c.Session.MaxPayloadBytes = 512 * 1024
	}
	if c.Session.OutboundQueueSize == 0 {
		c.Session.OutboundQueueSize = 256
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 10 * time.Second
	}
	if c.Session.ShutdownGrace == 0 {
		c.Session.ShutdownGrace = 10 * time.Second
	}
	if c.Broker.MaxTTL == 0 {
		c.Broker.MaxTTL = 24 * time.Hour
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1 // reconnect forever
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port out of range: %d", c.Relay.Port)
	}
	if c.Relay.AdminPort <= 0 || c.Relay.AdminPort > 65535 {
		return fmt.Errorf("relay.admin_port out of range: %d", c.Relay.AdminPort)
	}
	if c.Relay.Port == c.Relay.AdminPort {
		return errors.New("relay.port and relay.admin_port must differ")
	}

	switch c.Store.Mode {
	case StorageModeMemory:
	case StorageModeNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required when store.mode is nats")
		}
	default:
		return fmt.Errorf("unknown store.mode: %q", c.Store.Mode)
	}

	if c.Session.BeatInterval < time.Second {
		return fmt.Errorf("session.beat_interval too small: %s", c.Session.BeatInterval)
	}
	if c.Session.MaxPayloadBytes < 1024 {
		return fmt.Errorf("session.max_payload_bytes too small: %d", c.Session.MaxPayloadBytes)
	}
	if c.Session.OutboundQueueSize < 1 {
		return fmt.Errorf("session.outbound_queue_size must be positive: %d", c.Session.OutboundQueueSize)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format: %q", c.Logging.Format)
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// ToJSON converts config to an indented JSON string for debugging
func (c *Config) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
