// Package app provides the top-level lifecycle of the trade gateway. It wires
// every dependency, serves HTTP, and runs the background jobs until the
// context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradegate/internal/config"
	"github.com/alanyoungcy/tradegate/internal/pipeline"
	"github.com/alanyoungcy/tradegate/internal/server"
	"github.com/alanyoungcy/tradegate/internal/server/handler"
	"github.com/alanyoungcy/tradegate/internal/server/ws"
	"github.com/alanyoungcy/tradegate/internal/settlement"
)

const (
	shutdownTimeout     = 15 * time.Second
	claimsCleanupPeriod = 10 * time.Minute
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the HTTP server and background jobs,
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("chain", a.cfg.Payment.Chain),
		slog.Bool("escrow_enabled", a.cfg.EscrowEnabled()),
		slog.Bool("redis_enabled", a.cfg.RedisEnabled()),
		slog.Bool("demo_mode", a.cfg.Kalshi.Demo),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	if !deps.Notifier.Enabled() {
		a.logger.WarnContext(ctx, "no alert channel configured, reconcile events go to the audit log only")
	}

	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Channels:      []string{settlement.EventChannel},
			Chain:         a.cfg.Payment.Chain,
			EscrowEnabled: deps.Orchestrator.EscrowEnabled(),
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(a.serverConfig(deps), server.Handlers{
		Health: handler.NewHealthHandler(handler.HealthInfo{
			Chain:         a.cfg.Payment.Chain,
			EscrowEnabled: deps.Orchestrator.EscrowEnabled(),
			DemoMode:      a.cfg.Kalshi.Demo,
			Probes:        deps.Probes,
		}, a.logger),
		Trade:  handler.NewTradeHandler(deps.Orchestrator, a.logger),
		Price:  handler.NewPriceHandler(deps.Quotes, a.logger),
		Ledger: handler.NewLedgerHandler(deps.LedgerReads, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunEvery(ctx, a.cfg.Archive.Interval.Duration) })
	}

	if deps.MemoryClaims != nil {
		g.Go(func() error { return deps.MemoryClaims.RunCleanup(ctx, claimsCleanupPeriod) })
	}

	return g.Wait()
}

func (a *App) serverConfig(deps *Dependencies) server.Config {
	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}
	if a.cfg.RateLimit.Enabled && deps.RateLimiter != nil {
		cfg.RateLimiter = deps.RateLimiter
		cfg.RateLimit = a.cfg.RateLimit.Requests
		cfg.RateLimitWindow = a.cfg.RateLimit.Window.Duration
	}
	return cfg
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
