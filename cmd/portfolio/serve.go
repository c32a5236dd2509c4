package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"portfolio-api/internal/config"
	"portfolio-api/internal/db"
	"portfolio-api/internal/logging"
	"portfolio-api/internal/ratelimit"
	"portfolio-api/internal/server"
	"portfolio-api/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	for _, w := range cfg.Warnings() {
		log.Warn("config_warning", zap.String("detail", w))
	}

	store, err := storage.Open(ctx, storage.Options{
		Mode:     cfg.Storage.Mode,
		LocalDir: cfg.Storage.LocalDir,
		Blob: storage.BlobOptions{
			Endpoint:         cfg.Storage.Endpoint,
			AccessKey:        cfg.Storage.AccessKey,
			SecretKey:        cfg.Storage.SecretKey,
			Bucket:           cfg.Storage.Bucket,
			Region:           cfg.Storage.Region,
			AutoCreateBucket: cfg.Storage.AutoCreateBucket,
		},
		BreakerFailures: cfg.Storage.BreakerFailures,
		BreakerTimeout:  cfg.Storage.BreakerTimeout,
	}, log.Named("storage"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	checks := map[string]server.HealthCheck{}

	var catalog server.Catalog
	if cfg.Database.URL != "" {
		log.Info("running_migrations")
		if err := db.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
		conn, err := db.OpenDB(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		c := db.NewCatalog(conn)
		catalog = c
		checks["database"] = c.Ping
		log.Info("catalog_enabled")
	}

	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rc, err := ratelimit.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		limiter = ratelimit.NewRedis(rc, "", log.Named("ratelimit"))
		checks["cache"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		log.Info("redis_rate_limiter_enabled", zap.String("addr", cfg.Redis.Addr))
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	srv := server.New(server.Config{
		Addr:  cfg.Addr,
		Build: server.BuildInfo{Version: cfg.Version, Commit: cfg.Commit},
		Auth: server.AuthConfig{
			AdminUser:         cfg.Auth.AdminUser,
			AdminPasswordHash: cfg.Auth.AdminPasswordHash,
			JWTSecret:         cfg.Auth.JWTSecret,
			TokenTTL:          cfg.Auth.TokenTTL,
		},
		Store:      store,
		Catalog:    catalog,
		Limiter:    limiter,
		RateLimits: server.DefaultRateLimits(),
		Upload: server.UploadLimits{
			ResumeMaxBytes:     cfg.Upload.ResumeMaxBytes,
			ImageMaxBytes:      cfg.Upload.ImageMaxBytes,
			MaxEvaluationFiles: cfg.Upload.MaxEvaluationFiles,
			MaxRequestBytes:    cfg.MaxUploadBytes(),
		},
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: proxies,
		Checks:         checks,
		Logger:         log,
	})

	go srv.RunReconciler(ctx, cfg.ReconcileInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting",
			zap.String("addr", cfg.Addr),
			zap.String("version", cfg.Version),
			zap.String("commit", cfg.Commit),
			zap.String("storage_mode", store.Mode()))
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("shutdown_complete")
		return nil
	case err := <-errCh:
		return err
	}
}
