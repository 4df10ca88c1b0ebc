// Package config defines the process-wide configuration for the spike
// trading agent. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via SPIKE_*
// environment variables. Per-bot configuration (pkg/types' BotConfig,
// managed by internal/registry) is a separate, dynamically managed store — this package only
// covers what is fixed for the life of the process: wallet/API endpoints,
// global risk defaults, persistence location, logging, and the control
// surface.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level process configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders when the
// operator's bots run in proxy signature mode.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the agent derives them via L1 auth
// on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// DefaultsConfig seeds GlobalSettings at startup (distilled §9: exactly one
// process-wide GlobalSettings object). The operator can change these at
// runtime through C10's /settings endpoint; these are only the cold-start
// values.
type DefaultsConfig struct {
	TradeSizeUSD      float64 `mapstructure:"trade_size_usd"`
	MaxBalanceUSD     float64 `mapstructure:"max_balance_usd"`
	MaxConcurrentBots int     `mapstructure:"max_concurrent_bots"`
	DryRun            bool    `mapstructure:"dry_run"`
}

// SecretsConfig holds the master key used to seal/open each bot's own
// WalletSecretEnc. EncryptionKey is a base64-encoded 32-byte AES-256 key.
type SecretsConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// StoreConfig sets where bot configs and settlement records are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP + WebSocket control surface (C10).
type DashboardConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	ExitGrace      time.Duration `mapstructure:"exit_grace"`
}

// Load reads config from a YAML file with env var overrides. A .env file in
// the working directory (if present) is loaded first so local secrets never
// need to be exported into the shell profile. Sensitive fields use env vars:
// SPIKE_PRIVATE_KEY, SPIKE_API_KEY, SPIKE_API_SECRET, SPIKE_PASSPHRASE,
// SPIKE_DRY_RUN, SPIKE_WALLET_ENC_KEY.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPIKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("SPIKE_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("SPIKE_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("SPIKE_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("SPIKE_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("SPIKE_DRY_RUN"); v == "true" || v == "1" {
		cfg.Defaults.DryRun = true
	}
	if key := os.Getenv("SPIKE_WALLET_ENC_KEY"); key != "" {
		cfg.Secrets.EncryptionKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set SPIKE_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Defaults.TradeSizeUSD <= 0 {
		return fmt.Errorf("defaults.trade_size_usd must be > 0")
	}
	if c.Defaults.MaxConcurrentBots <= 0 {
		return fmt.Errorf("defaults.max_concurrent_bots must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Secrets.EncryptionKey == "" {
		return fmt.Errorf("secrets.encryption_key is required (set SPIKE_WALLET_ENC_KEY); it seals each bot's own wallet secret at rest")
	}
	return nil
}
