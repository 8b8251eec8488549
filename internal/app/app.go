// Package app is the main orchestrator that ties all service components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/replypilot/replypilot/internal/ai"
	"github.com/replypilot/replypilot/internal/api"
	"github.com/replypilot/replypilot/internal/auth"
	"github.com/replypilot/replypilot/internal/billing"
	"github.com/replypilot/replypilot/internal/config"
	"github.com/replypilot/replypilot/internal/ingest"
	"github.com/replypilot/replypilot/internal/quota"
	"github.com/replypilot/replypilot/internal/replyq"
	"github.com/replypilot/replypilot/internal/store"
	"github.com/replypilot/replypilot/internal/youtube"
	"github.com/replypilot/replypilot/pkg/events"
)

// App is the main service process.
type App struct {
	cfg     *config.Config
	store   store.Store
	auth    auth.Provider
	bus     *events.Bus
	prompts *ai.Prompts
	syncer  *ingest.Syncer
	worker  *replyq.Worker
	api     *api.Server
	logger  *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.New(db, cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the initial admin for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	bus := events.NewBus()

	var billingSvc billing.Service
	if cfg.Billing.Enabled {
		billingSvc, err = billing.NewStripeService(db, bus, logger, cfg.Billing)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init billing: %w", err)
		}
	}

	quotaMgr := quota.NewManager(db, bus, logger, cfg.Billing)
	ytClient := youtube.New(db, logger, cfg.YouTube)

	prompts, err := ai.LoadPrompts(cfg.AI.PromptsPath, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	aiClient, err := ai.New(cfg.AI, prompts, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ai client: %w", err)
	}

	syncer := ingest.NewSyncer(db, ytClient, aiClient, quotaMgr, bus, logger, cfg.YouTube, cfg.AI)
	worker := replyq.NewWorker(db, ytClient, quotaMgr, bus, logger, cfg.Queue)

	apiSrv := api.NewServer(api.ServerOptions{
		Store:   db,
		Auth:    authProvider,
		Login:   loginProvider,
		Billing: billingSvc,
		Quota:   quotaMgr,
		Syncer:  syncer,
		AI:      aiClient,
		Prompts: prompts,
		YouTube: ytClient,
		Bus:     bus,
		Logger:  logger,
		Config:  cfg,
	})

	a := &App{
		cfg:     cfg,
		store:   db,
		auth:    authProvider,
		bus:     bus,
		prompts: prompts,
		syncer:  syncer,
		worker:  worker,
		api:     apiSrv,
		logger:  logger.With("component", "app"),
	}

	// Startup validation warnings.
	if authProvider.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 48 {
		logger.Warn("JWT secret is on the short side, consider a longer one for production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		logger.Info("billing disabled, all creators use the default plan", "plan", cfg.Billing.DefaultPlan)
	}
	if cfg.YouTube.OAuthClientID == "" || cfg.YouTube.OAuthClientSecret == "" {
		logger.Warn("YouTube OAuth client not configured, channel connect and reply posting will fail")
	}

	return a, nil
}

// Run starts the HTTP server and background loops and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops: comment ingestion, the reply posting queue, prompt
	// hot-reloading, rate limiter cleanup, and retention purging.
	go a.syncer.Run(ctx)
	go a.worker.Run(ctx)
	go func() {
		if err := a.prompts.Watch(ctx); err != nil {
			a.logger.Warn("prompts watcher stopped", "error", err)
		}
	}()
	a.api.StartBackgroundTasks(ctx)
	go a.runRetentionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

// runRetentionPurger deletes expired bookkeeping rows on the configured
// interval. Audit events, processed webhook IDs, and dead reply jobs each
// have their own retention window.
func (a *App) runRetentionPurger(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Retention.PurgeInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeExpired(ctx)
		}
	}
}

func (a *App) purgeExpired(ctx context.Context) {
	now := time.Now()
	if n, err := a.store.PurgeAuditEventsBefore(ctx, now.Add(-a.cfg.Retention.AuditEvents.Duration)); err != nil {
		a.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		a.logger.Info("retention purge: deleted audit events", "count", n)
	}
	if n, err := a.store.PurgeWebhookEventsBefore(ctx, now.Add(-a.cfg.Retention.WebhookEvents.Duration)); err != nil {
		a.logger.Warn("retention purge: webhook events failed", "error", err)
	} else if n > 0 {
		a.logger.Info("retention purge: deleted webhook events", "count", n)
	}
	if n, err := a.store.PurgeDeadReplyJobsBefore(ctx, now.Add(-a.cfg.Retention.DeadReplyJobs.Duration)); err != nil {
		a.logger.Warn("retention purge: dead reply jobs failed", "error", err)
	} else if n > 0 {
		a.logger.Info("retention purge: deleted dead reply jobs", "count", n)
	}
}
