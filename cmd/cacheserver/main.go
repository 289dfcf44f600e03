package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wherefrom/wherefrom/internal/platform/config"
	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("Loading configuration...")
	cfg := config.MustLoad(*configPath)

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("cacheserver", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracer, err := observability.NewTracerProvider(ctx, "cacheserver", cfg.Observability.Tracing.Endpoint, cfg.Observability.Tracing.Enabled)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(ctx)

	storage, err := server.NewRedisStorage(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.LogError(ctx, "failed to connect to redis", err)
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer storage.Close()

	provider, err := server.NewHTTPProvider(server.HTTPProviderConfig{
		BaseURL:        cfg.CacheServer.Provider.BaseURL,
		Timeout:        cfg.CacheServer.Provider.Timeout,
		RateLimitRPM:   cfg.CacheServer.Provider.RateLimit.RequestsPerMinute,
		RateLimitBurst: cfg.CacheServer.Provider.RateLimit.Burst,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create location provider", err)
		log.Fatalf("Failed to create location provider: %v", err)
	}

	s := server.New(server.Config{
		Storage:  storage,
		Provider: provider,
		CacheTTL: cfg.CacheServer.CacheTTL,
		Logger:   logger,
		Metrics:  metrics,
	})

	router := s.Router()
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		logger.Info("cache server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogError(context.Background(), "HTTP server error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutdown signal received, gracefully stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP server shutdown failed", err)
	}

	logger.Info("application stopped")
}
