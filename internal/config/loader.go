package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns the
// final Config. A missing file yields the defaults. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Array tables merge element-wise into an existing slice, so the default
	// registry is only applied when the file declares no chains.
	cfg.Chains = nil
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains()
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyLegacyEnv honours the variable names used by earlier deployments of
// the gateway. TRADEGATE_* variables applied afterwards take precedence.
func applyLegacyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Payment.RecipientAddress, "X402_RECIPIENT_ADDRESS")
	setStr(&cfg.Payment.Chain, "X402_CHAIN")
	setStr(&cfg.Payment.FacilitatorURL, "X402_FACILITATOR_URL")
	setStr(&cfg.Escrow.Address, "ESCROW_CONTRACT_ADDRESS")
	setStr(&cfg.Escrow.PrivateKey, "EDGE_SERVICE_PRIVATE_KEY")
	setBool(&cfg.Kalshi.Demo, "DEMO_MODE")
	setStr(&cfg.Kalshi.ApiKey, "KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKey, "KALSHI_PRIVATE_KEY")
	if cfg.Kalshi.Demo {
		setStr(&cfg.Kalshi.ApiKey, "KALSHI_DEMO_API_KEY")
		setStr(&cfg.Kalshi.RsaPrivateKey, "KALSHI_DEMO_PRIVATE_KEY")
	}
	setStr(&cfg.Kalshi.PriceBaseURL, "KALSHI_PRICE_API_URL")
}

// applyEnvOverrides reads well-known TRADEGATE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "TRADEGATE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEGATE_SERVER_CORS_ORIGINS")

	// ── Payment ──
	setStr(&cfg.Payment.RecipientAddress, "TRADEGATE_PAYMENT_RECIPIENT_ADDRESS")
	setStr(&cfg.Payment.Chain, "TRADEGATE_PAYMENT_CHAIN")
	setStr(&cfg.Payment.Currency, "TRADEGATE_PAYMENT_CURRENCY")
	setStr(&cfg.Payment.FacilitatorURL, "TRADEGATE_PAYMENT_FACILITATOR_URL")
	setDuration(&cfg.Payment.FacilitatorTimeout, "TRADEGATE_PAYMENT_FACILITATOR_TIMEOUT")
	setStr(&cfg.Payment.FallbackChain, "TRADEGATE_PAYMENT_FALLBACK_CHAIN")
	setDuration(&cfg.Payment.RPCTimeout, "TRADEGATE_PAYMENT_RPC_TIMEOUT")

	// ── Escrow ──
	setStr(&cfg.Escrow.Address, "TRADEGATE_ESCROW_ADDRESS")
	setStr(&cfg.Escrow.PrivateKey, "TRADEGATE_ESCROW_PRIVATE_KEY")
	setStr(&cfg.Escrow.EncryptedKeyPath, "TRADEGATE_ESCROW_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Escrow.KeyPassword, "TRADEGATE_ESCROW_KEY_PASSWORD")
	setUint64(&cfg.Escrow.GasLimit, "TRADEGATE_ESCROW_GAS_LIMIT")

	// ── Chains ── per-chain RPC endpoints, e.g. TRADEGATE_CHAIN_BASE_RPC_URL.
	for i := range cfg.Chains {
		setStr(&cfg.Chains[i].RPCURL, "TRADEGATE_CHAIN_"+strings.ToUpper(cfg.Chains[i].Name)+"_RPC_URL")
	}

	// ── Kalshi ──
	setStr(&cfg.Kalshi.ApiKey, "TRADEGATE_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKey, "TRADEGATE_KALSHI_RSA_PRIVATE_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "TRADEGATE_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "TRADEGATE_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.DemoBaseURL, "TRADEGATE_KALSHI_DEMO_BASE_URL")
	setStr(&cfg.Kalshi.PriceBaseURL, "TRADEGATE_KALSHI_PRICE_BASE_URL")
	setBool(&cfg.Kalshi.Demo, "TRADEGATE_KALSHI_DEMO")
	setDuration(&cfg.Kalshi.Timeout, "TRADEGATE_KALSHI_TIMEOUT")
	setDuration(&cfg.Kalshi.QuoteCacheTTL, "TRADEGATE_KALSHI_QUOTE_CACHE_TTL")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "TRADEGATE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "TRADEGATE_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "TRADEGATE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "TRADEGATE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "TRADEGATE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "TRADEGATE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "TRADEGATE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "TRADEGATE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "TRADEGATE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "TRADEGATE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "TRADEGATE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEGATE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEGATE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEGATE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEGATE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEGATE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEGATE_REDIS_TLS_ENABLED")

	// ── S3 / archive ──
	setStr(&cfg.S3.Endpoint, "TRADEGATE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEGATE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEGATE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEGATE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEGATE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEGATE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEGATE_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "TRADEGATE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRADEGATE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "TRADEGATE_ARCHIVE_INTERVAL")

	// ── Rate limit / claim ──
	setBool(&cfg.RateLimit.Enabled, "TRADEGATE_RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Requests, "TRADEGATE_RATE_LIMIT_REQUESTS")
	setDuration(&cfg.RateLimit.Window, "TRADEGATE_RATE_LIMIT_WINDOW")
	setDuration(&cfg.Claim.TTL, "TRADEGATE_CLAIM_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEGATE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEGATE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEGATE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEGATE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TRADEGATE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
