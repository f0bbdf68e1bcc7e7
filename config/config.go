// Package config loads the service configuration from a small JSON file.
// Secrets can be supplied through the environment instead of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Storage backends.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config is the full service configuration.
type Config struct {
	// Addr is the listen address of the bot resource.
	Addr string `json:"addr"`
	// Host is the backend base URL, e.g. https://prod-nginz-https.wire.com.
	Host string `json:"host"`
	// Token is the shared service token; the SERVICE_TOKEN environment
	// variable overrides it.
	Token string `json:"token"`

	Storage StorageConfig `json:"storage"`
}

// StorageConfig selects and parameterizes the session/state backend.
type StorageConfig struct {
	Backend string `json:"backend"`

	// Dir is the data directory for the file backend.
	Dir string `json:"dir,omitempty"`
	// DSN is the connection string for the postgres backend.
	DSN string `json:"dsn,omitempty"`
	// Addr and Password configure the redis backend.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{
		Addr: ":8080",
		Storage: StorageConfig{
			Backend: StorageFile,
			Dir:     "data",
		},
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if token := os.Getenv("SERVICE_TOKEN"); token != "" {
		cfg.Token = token
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required (file or SERVICE_TOKEN)")
	}
	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("config: storage.dir is required for the file backend")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for the postgres backend")
		}
	case StorageRedis:
		if c.Storage.Addr == "" {
			return fmt.Errorf("config: storage.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
