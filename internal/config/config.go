package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store"`
	NATS           NATSConfig           `yaml:"nats"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Engine         EngineConfig         `yaml:"engine"`
	Sweeper        SweeperConfig        `yaml:"sweeper"`
}

// StoreConfig selects the auction record store and holds backend settings.
type StoreConfig struct {
	Driver   string         `yaml:"driver" env:"STORE_DRIVER"` // "memory", "postgres", "document" or "redis"
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds database connection settings shared by the
// "postgres" and "document" drivers.
type PostgresConfig struct {
	Host        string `yaml:"host" env:"DATABASE_HOST"`
	Port        int    `yaml:"port" env:"DATABASE_PORT"`
	User        string `yaml:"user" env:"DATABASE_USER"`
	Password    string `yaml:"password" env:"DATABASE_PASSWORD"`
	DBName      string `yaml:"dbname" env:"DATABASE_NAME"`
	SSLMode     string `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// DSN returns the Postgres connection string.
func (d PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// NATSConfig holds the event bus settings. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url" env:"NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure"`
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"` // debug, info, warn or error
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" env:"LEADER_ELECTION_ENABLED"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace" env:"POD_NAMESPACE"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// EngineConfig tunes bid acceptance and auction creation rules.
type EngineConfig struct {
	// MaxBidAttempts bounds how often a bid is re-read and re-validated
	// after losing a conditional write.
	MaxBidAttempts     int           `yaml:"max_bid_attempts"`
	MinAuctionDuration time.Duration `yaml:"min_auction_duration"`
	EndingSoonWindow   time.Duration `yaml:"ending_soon_window"`
}

// SweeperConfig controls the ended-auction announcer.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled" env:"SWEEPER_ENABLED"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				Host:        "localhost",
				Port:        5432,
				SSLMode:     "disable",
				AutoMigrate: true,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "auctiond",
			},
		},
		NATS: NATSConfig{
			SubjectPrefix: "auctions",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Engine: EngineConfig{
			MaxBidAttempts:     3,
			MinAuctionDuration: 24 * time.Hour,
			EndingSoonWindow:   24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "postgres", "document", "redis":
		// valid
	default:
		return fmt.Errorf("unsupported store driver %q: must be one of memory, postgres, document, redis", c.Store.Driver)
	}
	if c.Engine.MaxBidAttempts < 1 {
		return fmt.Errorf("engine.max_bid_attempts must be at least 1, got %d", c.Engine.MaxBidAttempts)
	}
	if c.Engine.MinAuctionDuration < 0 || c.Engine.EndingSoonWindow < 0 {
		return fmt.Errorf("engine durations must not be negative")
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval < time.Second {
		return fmt.Errorf("sweeper.interval must be at least 1s, got %s", c.Sweeper.Interval)
	}
	return nil
}
