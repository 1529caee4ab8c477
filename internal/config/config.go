// Package config loads the YAML configuration shared by every binary under
// cmd/ (tas, scheduler, gwbridge, sniffer, dutmock): server identity, NATS connection, Postgres DSN, the
// gateway UDP bridge's bind address, the fixed EU868 network parameters,
// and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document every binary loads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Network  NetworkConfig  `yaml:"network"`
	DUT      DUTConfig      `yaml:"dut"`
	Log      LogConfig      `yaml:"log"`
}

// DUTConfig identifies the single device under test cmd/tas certifies this
// run, and how it schedules RX windows. A run only ever has one DUT, unlike
// the scheduler's whole device registry, so this is a flat struct rather
// than a list.
type DUTConfig struct {
	DevEUI           string `yaml:"dev_eui"`
	AppEUI           string `yaml:"app_eui"`
	AppKey           string `yaml:"app_key"`
	DefaultRX1Window bool   `yaml:"default_rx1_window"`
}

// ServerConfig identifies the running binary in logs and the NATS client
// name.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// NATSConfig configures the bus connection.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// DatabaseConfig configures the Postgres persistence layer.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GatewayConfig configures the Semtech UDP bridge.
type GatewayConfig struct {
	UDPBind       string        `yaml:"udp_bind"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// NetworkConfig is the fixed EU868 network identity. Region is always
// EU868: no other regional plan is in scope, so there is no region
// selector to configure.
type NetworkConfig struct {
	NetID               string        `yaml:"net_id"`
	DeduplicationWindow time.Duration `yaml:"deduplication_window"`
	ResetAttempts       int           `yaml:"reset_attempts"`
}

// LogConfig configures the zerolog bootstrap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // parsed but not read: every binary logs through zerolog's ConsoleWriter
}

// Load reads and parses filename, applying environment variable overrides
// for the values most commonly pinned per deployment.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %q: %w", filename, err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}
