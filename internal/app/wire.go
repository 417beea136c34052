package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/tradegate/internal/blob/s3"
	"github.com/alanyoungcy/tradegate/internal/cache/redis"
	"github.com/alanyoungcy/tradegate/internal/chain"
	"github.com/alanyoungcy/tradegate/internal/config"
	"github.com/alanyoungcy/tradegate/internal/crypto"
	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/escrow"
	"github.com/alanyoungcy/tradegate/internal/notify"
	"github.com/alanyoungcy/tradegate/internal/payment"
	"github.com/alanyoungcy/tradegate/internal/platform/kalshi"
	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/service"
	"github.com/alanyoungcy/tradegate/internal/settlement"
	"github.com/alanyoungcy/tradegate/internal/store/postgres"
	"github.com/alanyoungcy/tradegate/internal/verify"
)

// Dependencies bundles everything the gateway runs on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Ledger domain.LedgerStore
	Audit  domain.AuditStore

	// Coordination. RateLimiter, SignalBus and QuoteCache are nil without
	// Redis; MemoryClaims is set only then.
	Claims       domain.LockManager
	MemoryClaims *settlement.MemoryClaims
	RateLimiter  domain.RateLimiter
	SignalBus    domain.SignalBus
	QuoteCache   domain.QuoteCache

	// Nil unless archiving is enabled.
	Archiver domain.Archiver

	Orchestrator *settlement.Orchestrator
	Quotes       *service.QuoteService
	LedgerReads  *service.LedgerService
	Notifier     *notify.Notifier

	// Probes are the dependency checks reported by /health.
	Probes map[string]handler.Probe
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)
	deps.Probes["postgres"] = pgClient.Health

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}
	deps.Ledger = postgres.NewLedgerStore(pgClient.Pool())
	deps.Audit = postgres.NewAuditStore(pgClient.Pool())

	// --- Redis (optional) ---
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Probes["redis"] = redisClient.Ping

		deps.Claims = redis.NewClaimStore(redisClient, logger)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if ttl := cfg.Kalshi.QuoteCacheTTL.Duration; ttl > 0 {
			deps.QuoteCache = redis.NewQuoteCache(redisClient, ttl)
		}
	} else {
		logger.WarnContext(ctx, "redis disabled, proof claims are held in process memory")
		deps.MemoryClaims = settlement.NewMemoryClaims()
		deps.Claims = deps.MemoryClaims
	}

	// --- S3 archive (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Probes["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewLedgerArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Ledger,
			deps.Audit,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Chains ---
	specs := make([]chain.Spec, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		specs = append(specs, chain.Spec{
			Name:              c.Name,
			ChainID:           c.ChainID,
			RPCURL:            c.RPCURL,
			StablecoinAddress: c.StablecoinAddress,
		})
	}
	registry, err := chain.NewRegistry(specs)
	if err != nil {
		return fail(fmt.Errorf("wire: chain registry: %w", err))
	}
	pool := chain.NewPool(registry, nil)
	closers = append(closers, pool.Close)

	txRef := verify.NewTxRefVerifier(
		verify.NewFacilitator(cfg.Payment.FacilitatorURL, cfg.Payment.FacilitatorTimeout.Duration, logger),
		verify.NewOnChain(pool, cfg.Payment.FallbackChain, cfg.Payment.RPCTimeout.Duration, logger),
		logger,
	)

	// --- Escrow (optional) ---
	var settler settlement.EscrowSettler
	if cfg.EscrowEnabled() {
		v, err := wireEscrow(ctx, cfg, pool, logger)
		if err != nil {
			return fail(err)
		}
		settler = v
	}

	// --- Exchange ---
	exchange, err := wireKalshi(cfg)
	if err != nil {
		return fail(err)
	}
	deps.Quotes = service.NewQuoteService(exchange, deps.QuoteCache, logger)
	deps.LedgerReads = service.NewLedgerService(deps.Ledger, logger)

	issuer := payment.NewIssuer(payment.IssuerConfig{
		RecipientAddress: cfg.Payment.RecipientAddress,
		Chain:            cfg.Payment.Chain,
		Currency:         cfg.Payment.Currency,
		EscrowAddress:    cfg.Escrow.Address,
	})

	deps.Orchestrator = settlement.New(settlement.Deps{
		Quotes:   deps.Quotes,
		Issuer:   issuer,
		TxRef:    txRef,
		Escrow:   settler,
		Exchange: exchange,
		Ledger:   deps.Ledger,
		Claims:   deps.Claims,
		Bus:      deps.SignalBus,
		Alerts:   deps.Notifier,
		Audit:    deps.Audit,
	}, settlement.Config{ClaimTTL: cfg.Claim.TTL.Duration}, logger)

	return deps, cleanup, nil
}

// wireEscrow loads the settlement key and binds the escrow contract on the
// payment chain.
func wireEscrow(ctx context.Context, cfg *config.Config, pool *chain.Pool, logger *slog.Logger) (*escrow.Verifier, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Escrow.PrivateKey,
		EncryptedKeyPath: cfg.Escrow.EncryptedKeyPath,
		KeyPassword:      cfg.Escrow.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: escrow key: %w", err)
	}

	client, chainCfg, err := pool.Client(ctx, cfg.Payment.Chain)
	if err != nil {
		return nil, fmt.Errorf("wire: escrow chain: %w", err)
	}
	signer := crypto.NewTxSigner(key, chainCfg.ChainID)

	logger.InfoContext(ctx, "escrow enabled",
		slog.String("contract", cfg.Escrow.Address),
		slog.String("chain", chainCfg.Name),
		slog.String("settler", signer.Address().Hex()),
	)
	return escrow.New(client, signer, escrow.Config{
		Contract: common.HexToAddress(cfg.Escrow.Address),
		Chain:    chainCfg.Name,
		GasLimit: cfg.Escrow.GasLimit,
		Timeout:  cfg.Payment.RPCTimeout.Duration,
	}, logger), nil
}

// wireKalshi builds the exchange client. Quotes work without credentials;
// order submission fails until a key is configured.
func wireKalshi(cfg *config.Config) (*kalshi.Client, error) {
	k := cfg.Kalshi
	client := kalshi.NewClient(k.TradingBaseURL(), k.PriceBaseURL, k.ApiKey, k.Timeout.Duration)

	switch {
	case k.RsaPrivateKey != "":
		if err := client.SetInlinePrivateKey(k.RsaPrivateKey); err != nil {
			return nil, fmt.Errorf("wire: kalshi key: %w", err)
		}
	case k.RsaPrivateKeyPath != "":
		pemBytes, err := os.ReadFile(k.RsaPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("wire: read kalshi key: %w", err)
		}
		if err := client.SetRSAPrivateKey(pemBytes); err != nil {
			return nil, fmt.Errorf("wire: kalshi key: %w", err)
		}
	}
	return client, nil
}
