package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/config"
	"github.com/qrvio/engage/internal/database"
	"github.com/qrvio/engage/internal/httpserver"
	"github.com/qrvio/engage/internal/metrics"
	"github.com/qrvio/engage/internal/middleware"
	"github.com/qrvio/engage/internal/storage"
)

func main() {
	// Load .env if present; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet, fall back to panic
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting engage",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(cfg.Metrics.Namespace)

	// Initialize PostgreSQL (identity/scope registry)
	db, err := database.NewPostgresDB(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Warn("PostgreSQL unavailable, using in-memory registry", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
		if err := storage.NewPostgresRegistry(db.Pool).Migrate(ctx); err != nil {
			logger.Fatal("registry migration failed", zap.Error(err))
		}
	}

	// Initialize ClickHouse (event log)
	var ch *database.ClickHouseDB
	if cfg.ClickHouse.Enabled {
		ch, err = database.NewClickHouseDB(cfg.ClickHouse.Addr, cfg.ClickHouse.Database, cfg.ClickHouse.User, cfg.ClickHouse.Password)
		if err != nil {
			logger.Fatal("failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
		if err := storage.NewClickHouseEventStore(ch.Conn).Migrate(ctx, cfg.Retention.Days); err != nil {
			logger.Fatal("event log migration failed", zap.Error(err))
		}
	}

	// Initialize Redis (dedup guard and query cache)
	var redis *database.RedisDB
	if cfg.Redis.Enabled {
		redis, err = database.NewRedisDB(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
	}

	deps := &httpserver.Dependencies{
		DB:      db,
		CH:      ch,
		Redis:   redis,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	handler := httpserver.NewServer(deps)

	// Apply middleware chain (order matters: outermost first)
	// Recovery -> Logging -> RateLimit (global, then per-IP on tracking) -> Auth -> Handler
	recoveryMW := middleware.NewRecoveryMiddleware(logger)
	loggingMW := middleware.NewLoggingMiddleware(logger)
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimitMW.SetMetrics(m)
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger)

	finalHandler := recoveryMW.Handler(
		loggingMW.Handler(
			rateLimitMW.Handler(
				rateLimitMW.HandlerPerIP(
					authMW.Handler(handler),
					"/track/event",
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rateLimitMW.CleanupIPLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Retention sweep: ClickHouse TTL handles routine expiry, the sweep is
	// a safety net for tables created before TTL was configured.
	if ch != nil && cfg.Retention.Days > 0 {
		store := storage.NewClickHouseEventStore(ch.Conn)
		go func() {
			ticker := time.NewTicker(cfg.Retention.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					horizon := time.Now().UTC().AddDate(0, 0, -cfg.Retention.Days)
					if _, err := store.CleanupBefore(ctx, horizon); err != nil {
						logger.Error("retention cleanup failed", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	cancel()

	logger.Info("server stopped")
}
