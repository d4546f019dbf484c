// Package config loads process-wide configuration: connection strings, ports,
// and the seed values handed to the Settings Store at startup. Grounded on
// the teacher's pkg/config/config.go: YAML file + .env + env-tag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/solpump-scout/internal/logging"
)

// DatabaseConfig controls the Postgres connection used by the Token Repository.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// UpstreamConfig configures the external DEX/RPC/WebSocket endpoints.
type UpstreamConfig struct {
	DexPairsURL      string `yaml:"dex_pairs_url" env:"DEX_PAIRS_URL"`
	MigrationWSURL   string `yaml:"migration_ws_url" env:"MIGRATION_WS_URL"`
	SolanaRPCURL     string `yaml:"solana_rpc_url" env:"SOLANA_RPC_URL"`
}

// ExportConfig configures the NotArb export file writer.
type ExportConfig struct {
	Path     string `yaml:"path" env:"EXPORT_PATH"`
	Interval int    `yaml:"interval_sec" env:"EXPORT_INTERVAL_SEC"`
	TopN     int    `yaml:"top_n" env:"EXPORT_TOP_N"`
}

// Config is the top-level configuration structure.
type Config struct {
	Logging  logging.Config  `yaml:"logging"`
	Database DatabaseConfig  `yaml:"database"`
	Upstream UpstreamConfig  `yaml:"upstream"`
	Export   ExportConfig    `yaml:"export"`
}

// New returns configuration populated with defaults.
func New() *Config {
	return &Config{
		Logging: logging.Config{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "solpump-scout",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Upstream: UpstreamConfig{
			DexPairsURL:    "https://api.dexscreener.com/latest/dex/tokens",
			MigrationWSURL: "wss://pumpportal.fun/api/data",
			SolanaRPCURL:   "https://api.mainnet-beta.solana.com",
		},
		Export: ExportConfig{
			Path:     "notarb_pools.json",
			Interval: 5,
			TopN:     3,
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables (.env is loaded first so exported vars still win).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
