// Package config loads the server process's configuration from defaults,
// an optional YAML override file, and environment variables, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nodenexus/nodenexus/internal/logging"
)

// ServerConfig controls the listening sockets for both transports and the
// admin mux (metrics/healthz).
type ServerConfig struct {
	GRPCAddr   string `yaml:"grpc_addr" env:"NODENEXUS_GRPC_ADDR"`
	WSAddr     string `yaml:"ws_addr" env:"NODENEXUS_WS_ADDR"`
	AdminAddr  string `yaml:"admin_addr" env:"NODENEXUS_ADMIN_ADDR"`
	TLSCert    string `yaml:"tls_cert" env:"NODENEXUS_TLS_CERT"`
	TLSKey     string `yaml:"tls_key" env:"NODENEXUS_TLS_KEY"`
	PublicDash bool   `yaml:"public_dashboard" env:"NODENEXUS_PUBLIC_DASHBOARD"`
}

// DatabaseConfig controls the single Postgres pool backing the time-series
// store and control-plane tables.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"NODENEXUS_DB_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"NODENEXUS_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"NODENEXUS_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"NODENEXUS_DB_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"NODENEXUS_DB_MIGRATE_ON_START"`
}

// WriterConfig controls the batched metrics writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size" env:"NODENEXUS_WRITER_BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"NODENEXUS_WRITER_FLUSH_INTERVAL"`
	QueueCapacity int           `yaml:"queue_capacity" env:"NODENEXUS_WRITER_QUEUE_CAPACITY"`
}

// RegistryConfig controls the agent session registry and heartbeat sweep.
type RegistryConfig struct {
	SinkCapacity       int           `yaml:"sink_capacity" env:"NODENEXUS_SINK_CAPACITY"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"NODENEXUS_SWEEP_INTERVAL"`
	DefaultHeartbeat   time.Duration `yaml:"default_heartbeat" env:"NODENEXUS_DEFAULT_HEARTBEAT"`
	OfflineMissedBeats int           `yaml:"offline_missed_beats" env:"NODENEXUS_OFFLINE_MISSED_BEATS"`
}

// BroadcastConfig controls the live-state fan-out bus.
type BroadcastConfig struct {
	MetricTick time.Duration `yaml:"metric_tick" env:"NODENEXUS_METRIC_TICK"`
}

// Config is the server's top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   logging.Config  `yaml:"logging"`
	Writer    WriterConfig    `yaml:"writer"`
	Registry  RegistryConfig  `yaml:"registry"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// Defaults returns a Config populated with the defaults every field falls
// back to before YAML/env overrides are applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:  ":7443",
			WSAddr:    ":8443",
			AdminAddr: ":9090",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Writer: WriterConfig{
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
			QueueCapacity: 4096,
		},
		Registry: RegistryConfig{
			SinkCapacity:       128,
			SweepInterval:      30 * time.Second,
			DefaultHeartbeat:   30 * time.Second,
			OfflineMissedBeats: 3,
		},
		Broadcast: BroadcastConfig{
			MetricTick: 1 * time.Second,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file named by
// NODENEXUS_CONFIG_FILE, and environment variables (highest precedence). A
// .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("NODENEXUS_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast: missing required fields abort the process rather
// than run with undefined behavior.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn (NODENEXUS_DB_DSN) is required")
	}
	if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
		return fmt.Errorf("server.tls_cert/tls_key are required: streaming-RPC transport mandates TLS")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be positive")
	}
	if c.Registry.SinkCapacity <= 0 {
		return fmt.Errorf("registry.sink_capacity must be positive")
	}
	return nil
}
