// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Execution modes. In local mode commands are applied in process and no
// wallet or node is started.
const (
	ModeChain = "chain"
	ModeLocal = "local"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Mode        string `env:"EXECUTION_MODE" envDefault:"chain"`

	StorageBackend string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	DBPath         string        `env:"DB_PATH" envDefault:"./data/episodes.db"`
	EpisodeTTL     time.Duration `env:"EPISODE_TTL" envDefault:"72h"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	Admission AdmissionConfig
	Wallet    WalletConfig

	SessionSecret      string  `env:"SESSION_SECRET"`
	SubscriberBuffer   int     `env:"SUBSCRIBER_BUFFER" envDefault:"100"`
	WSActionsPerSecond float64 `env:"WS_ACTIONS_PER_SECOND" envDefault:"2"`
}

// AdmissionConfig holds the per-session limits.
type AdmissionConfig struct {
	OpsPerHour       int           `env:"MAX_TX_PER_SESSION_HOUR" envDefault:"20"`
	EpisodesPerDay   int           `env:"MAX_EPISODES_PER_SESSION_DAY" envDefault:"5"`
	MaxLifetimeOps   int           `env:"MAX_TX_PER_SESSION_TOTAL" envDefault:"100"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`
}

// WalletConfig controls the transaction pipeline and node connection.
type WalletConfig struct {
	Fee             uint64        `env:"TX_FEE" envDefault:"5000"`
	RefreshInterval time.Duration `env:"UTXO_REFRESH_INTERVAL" envDefault:"30s"`
	Network         string        `env:"NETWORK" envDefault:"testnet-10"`
	NodeAddr        string        `env:"NODE_ADDR"`
	LoopbackFunding uint64        `env:"LOOPBACK_FUNDING" envDefault:"100000000"`
	LoopbackListen  string        `env:"LOOPBACK_GRPC_ADDR"`
	PrivateKey      string        `env:"SERVER_PRIVATE_KEY"`
	Mnemonic        string        `env:"SERVER_MNEMONIC"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.Mode != ModeChain && c.Mode != ModeLocal {
		return fmt.Errorf("EXECUTION_MODE must be %q or %q, got %q", ModeChain, ModeLocal, c.Mode)
	}
	switch c.StorageBackend {
	case StorageMemory:
	case StorageSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH cannot be empty with the sqlite backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageMemory, StorageSQLite, c.StorageBackend)
	}
	if c.EpisodeTTL <= 0 {
		return errors.New("EPISODE_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be > 0")
	}
	if c.Admission.OpsPerHour <= 0 || c.Admission.EpisodesPerDay <= 0 || c.Admission.MaxLifetimeOps <= 0 {
		return errors.New("admission limits must be > 0")
	}
	if c.Wallet.Fee == 0 {
		return errors.New("TX_FEE must be > 0")
	}
	if c.Wallet.RefreshInterval <= 0 {
		return errors.New("UTXO_REFRESH_INTERVAL must be > 0")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.Mnemonic != "" {
		return errors.New("set only one of SERVER_PRIVATE_KEY and SERVER_MNEMONIC")
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("SUBSCRIBER_BUFFER must be > 0")
	}
	if c.WSActionsPerSecond <= 0 {
		return errors.New("WS_ACTIONS_PER_SECOND must be > 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsesLoopbackNode reports whether the in-process node stands in for a real one.
func (c *Config) UsesLoopbackNode() bool {
	return c.Mode == ModeChain && c.Wallet.NodeAddr == ""
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
