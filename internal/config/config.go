// Package config loads the supportmesh runtime configuration from JSON and
// the route preset catalogue from TOML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all supportmesh configuration.
type Config struct {
	// Server settings for the client gateway
	Server ServerConfig `json:"server"`

	// Broker selects and configures the message transport
	Broker BrokerConfig `json:"broker"`

	// Mesh tunes the actor runtimes
	Mesh MeshConfig `json:"mesh"`

	// Store configures the session context cache
	Store StoreConfig `json:"store"`

	// Downstream names the customer/orders/tracking service endpoints
	Downstream DownstreamConfig `json:"downstream"`
}

type ServerConfig struct {
	Port           int    `json:"port"`
	DataDir        string `json:"dataDir"`
	LogLevel       string `json:"logLevel"`
	RequestTimeout int    `json:"requestTimeoutSec"`
}

type BrokerConfig struct {
	Type     string `json:"type"` // "mqtt" or "memory"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type MeshConfig struct {
	MaxRetries        int `json:"maxRetries"`
	RetryBaseDelayMS  int `json:"retryBaseDelayMs"`
	ProcessTimeoutSec int `json:"processTimeoutSec"`
}

type StoreConfig struct {
	DBPath     string `json:"dbPath"`
	TTLMinutes int    `json:"ttlMinutes"`
}

type DownstreamConfig struct {
	CustomerURL string `json:"customerUrl"`
	OrdersURL   string `json:"ordersUrl"`
	TrackingURL string `json:"trackingUrl"`
}

// URI builds the MQTT broker address.
func (b BrokerConfig) URI() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// DefaultConfig returns a config suitable for local development: in-memory
// broker, all services on localhost.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8480,
			DataDir:        "./data",
			LogLevel:       "info",
			RequestTimeout: 30,
		},
		Broker: BrokerConfig{
			Type: "memory",
			Host: "127.0.0.1",
			Port: 1883,
		},
		Mesh: MeshConfig{
			MaxRetries:        3,
			RetryBaseDelayMS:  1000,
			ProcessTimeoutSec: 30,
		},
		Store: StoreConfig{
			DBPath:     "./data/context.db",
			TTLMinutes: 30,
		},
		Downstream: DownstreamConfig{
			CustomerURL: "http://127.0.0.1:9001",
			OrdersURL:   "http://127.0.0.1:9002",
			TrackingURL: "http://127.0.0.1:9003",
		},
	}
}

// Load reads config from a JSON file, layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Broker.Type != "mqtt" && cfg.Broker.Type != "memory" {
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
