// Package config defines the top-level configuration for the trade gateway
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEGATE_* environment variables.
// It is treated as immutable once Load returns.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Payment   PaymentConfig   `toml:"payment"`
	Escrow    EscrowConfig    `toml:"escrow"`
	Chains    []ChainConfig   `toml:"chains"`
	Kalshi    KalshiConfig    `toml:"kalshi"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Claim     ClaimConfig     `toml:"claim"`
	Notify    NotifyConfig    `toml:"notify"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// PaymentConfig controls the x402 challenge and proof verification.
type PaymentConfig struct {
	RecipientAddress   string   `toml:"recipient_address"`
	Chain              string   `toml:"chain"`
	Currency           string   `toml:"currency"`
	FacilitatorURL     string   `toml:"facilitator_url"`
	FacilitatorTimeout duration `toml:"facilitator_timeout"`
	// FallbackChain is used when auto-detection finds the transaction on no
	// configured chain.
	FallbackChain string   `toml:"fallback_chain"`
	RPCTimeout    duration `toml:"rpc_timeout"`
}

// EscrowConfig enables the escrow deposit path when Address is set.
type EscrowConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	GasLimit         uint64 `toml:"gas_limit"`
}

// ChainConfig is one entry of the chain registry.
type ChainConfig struct {
	Name              string `toml:"name"`
	ChainID           int64  `toml:"chain_id"`
	RPCURL            string `toml:"rpc_url"`
	StablecoinAddress string `toml:"stablecoin_address"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	ApiKey            string   `toml:"api_key"`
	RsaPrivateKey     string   `toml:"rsa_private_key"`
	RsaPrivateKeyPath string   `toml:"rsa_private_key_path"`
	BaseURL           string   `toml:"base_url"`
	DemoBaseURL       string   `toml:"demo_base_url"`
	PriceBaseURL      string   `toml:"price_base_url"`
	Demo              bool     `toml:"demo"`
	Timeout           duration `toml:"timeout"`
	QuoteCacheTTL     duration `toml:"quote_cache_ttl"`
}

// TradingBaseURL returns the order-entry endpoint for the active mode.
func (k KalshiConfig) TradingBaseURL() string {
	if k.Demo {
		return k.DemoBaseURL
	}
	return k.BaseURL
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls export of old ledger entries to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// RateLimitConfig bounds POST /trade per agent.
type RateLimitConfig struct {
	Enabled  bool     `toml:"enabled"`
	Requests int      `toml:"requests"`
	Window   duration `toml:"window"`
}

// ClaimConfig controls single-use claiming of payment proofs.
type ClaimConfig struct {
	TTL duration `toml:"ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultChains is the registry used when the TOML file declares no chains.
// Stablecoin addresses are the native USDC deployments.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{Name: "ethereum", ChainID: 1, RPCURL: "https://eth.llamarpc.com", StablecoinAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{Name: "base", ChainID: 8453, RPCURL: "https://mainnet.base.org", StablecoinAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
		{Name: "polygon", ChainID: 137, RPCURL: "https://polygon-rpc.com", StablecoinAddress: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},
		{Name: "arbitrum", ChainID: 42161, RPCURL: "https://arb1.arbitrum.io/rpc", StablecoinAddress: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"},
	}
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        5000,
			CORSOrigins: []string{"*"},
		},
		Chains: DefaultChains(),
		Payment: PaymentConfig{
			Chain:              "ethereum",
			Currency:           "USDC",
			FacilitatorURL:     "https://facilitator.p402.io",
			FacilitatorTimeout: duration{10 * time.Second},
			FallbackChain:      "ethereum",
			RPCTimeout:         duration{15 * time.Second},
		},
		Escrow: EscrowConfig{
			GasLimit: 200_000,
		},
		Kalshi: KalshiConfig{
			BaseURL:       "https://api.elections.kalshi.com/trade-api/v2",
			DemoBaseURL:   "https://demo-api.kalshi.co/trade-api/v2",
			PriceBaseURL:  "https://api.elections.kalshi.com/trade-api/v2",
			Timeout:       duration{30 * time.Second},
			QuoteCacheTTL: duration{2 * time.Second},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradegate-ledger",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 30,
			Window:   duration{time.Minute},
		},
		Claim: ClaimConfig{
			TTL: duration{720 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"refund_failed", "release_failed", "ledger_failed", "error"},
		},
		LogLevel: "info",
	}
}

// EscrowEnabled reports whether the escrow deposit path is configured.
func (c *Config) EscrowEnabled() bool {
	return strings.TrimSpace(c.Escrow.Address) != ""
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Chains: names must be unique so every reference resolves to one entry.
	seen := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		name := strings.ToLower(ch.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("chains[%d]: name must not be empty", i))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate chain name %q", i, ch.Name))
		}
		seen[name] = true
		if ch.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("chains[%d]: chain_id must be positive", i))
		}
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains[%d]: rpc_url must not be empty", i))
		}
		if !common.IsHexAddress(ch.StablecoinAddress) {
			errs = append(errs, fmt.Sprintf("chains[%d]: stablecoin_address %q is not a hex address", i, ch.StablecoinAddress))
		}
	}

	// Payment
	if !common.IsHexAddress(c.Payment.RecipientAddress) {
		errs = append(errs, "payment: recipient_address must be a hex address")
	}
	if c.Payment.Currency == "" {
		errs = append(errs, "payment: currency must not be empty")
	}
	if !seen[strings.ToLower(c.Payment.Chain)] {
		errs = append(errs, fmt.Sprintf("payment: chain %q is not in the chain registry", c.Payment.Chain))
	}
	if !seen[strings.ToLower(c.Payment.FallbackChain)] {
		errs = append(errs, fmt.Sprintf("payment: fallback_chain %q is not in the chain registry", c.Payment.FallbackChain))
	}
	if c.Payment.FacilitatorTimeout.Duration <= 0 {
		errs = append(errs, "payment: facilitator_timeout must be > 0")
	}
	if c.Payment.RPCTimeout.Duration <= 0 {
		errs = append(errs, "payment: rpc_timeout must be > 0")
	}

	// Escrow
	if c.EscrowEnabled() {
		if !common.IsHexAddress(c.Escrow.Address) {
			errs = append(errs, "escrow: address must be a hex address")
		}
		if c.Escrow.PrivateKey == "" && c.Escrow.EncryptedKeyPath == "" {
			errs = append(errs, "escrow: either private_key or encrypted_key_path must be set when escrow is enabled")
		}
		if c.Escrow.EncryptedKeyPath != "" && c.Escrow.KeyPassword == "" {
			errs = append(errs, "escrow: key_password is required when encrypted_key_path is set")
		}
		if c.Escrow.GasLimit == 0 {
			errs = append(errs, "escrow: gas_limit must be > 0")
		}
	}

	// Kalshi
	if c.Kalshi.PriceBaseURL == "" {
		errs = append(errs, "kalshi: price_base_url must not be empty")
	}
	if c.Kalshi.TradingBaseURL() == "" {
		errs = append(errs, "kalshi: base_url (or demo_base_url in demo mode) must not be empty")
	}
	if c.Kalshi.ApiKey == "" {
		errs = append(errs, "kalshi: api_key is required to submit trades")
	}
	if c.Kalshi.RsaPrivateKey == "" && c.Kalshi.RsaPrivateKeyPath == "" {
		errs = append(errs, "kalshi: rsa_private_key or rsa_private_key_path is required to submit trades")
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis. An empty addr runs single-replica with in-process claims and
	// without rate limiting, quote caching or /ws events.
	if c.RedisEnabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 and archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests < 1 {
			errs = append(errs, "rate_limit: requests must be >= 1")
		}
		if c.RateLimit.Window.Duration <= 0 {
			errs = append(errs, "rate_limit: window must be > 0")
		}
	}

	if c.Claim.TTL.Duration <= 0 {
		errs = append(errs, "claim: ttl must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
