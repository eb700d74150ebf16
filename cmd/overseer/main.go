package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/cache"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/memory"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Overseer...", zap.String("config", cfgPath))

	// Open storage. Migrations run here; a store that cannot migrate is
	// fatal rather than degraded.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(ctx, cfg.Database, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	var c cache.Cache
	switch cfg.Cache.Driver {
	case "redis":
		rc, err := cache.NewRedis(cfg.Cache.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to local cache", zap.Error(err))
			c = cache.NewLocal(cfg.Cache.MaxEntries, logger)
		} else {
			c = rc
		}
	default:
		c = cache.NewLocal(cfg.Cache.MaxEntries, logger)
	}
	defer c.Close()

	authSvc := auth.New(cfg.Auth, store, logger)
	sessions := session.New(store, c, cfg.Cache.CacheTTL(), logger)
	mem := memory.New(store, c, cfg.Cache.CacheTTL(), logger)

	handler := api.NewHandler(authSvc, sessions, mem, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.Int("port", port), zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
