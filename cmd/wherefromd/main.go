package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/wherefrom/wherefrom/internal/notify"
	"github.com/wherefrom/wherefrom/internal/platform/aws"
	"github.com/wherefrom/wherefrom/internal/platform/config"
	"github.com/wherefrom/wherefrom/internal/platform/observability"
	"github.com/wherefrom/wherefrom/internal/platform/store"
	"github.com/wherefrom/wherefrom/internal/resolve"
	"github.com/wherefrom/wherefrom/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("Loading configuration...")
	cfg := config.MustLoad(*configPath)

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("wherefromd", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracer, err := observability.NewTracerProvider(ctx, "wherefromd", cfg.Observability.Tracing.Endpoint, cfg.Observability.Tracing.Enabled)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracer.Shutdown(ctx)

	logger.Info("observability setup complete")

	// Durable store backing the local tier
	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.LogError(ctx, "failed to open durable store", err)
		log.Fatalf("Failed to open durable store: %v", err)
	}
	defer st.Close()

	local := resolve.NewLocalCache(resolve.LocalCacheConfig{
		Store:         st,
		Retention:     cfg.Resolver.Local.Retention,
		FlushDebounce: cfg.Resolver.Local.FlushDebounce,
		Logger:        logger,
		Metrics:       metrics,
	})
	local.Load(ctx)

	transport := resolve.NewHTTPTransport(resolve.HTTPTransportConfig{
		BaseURL: cfg.Resolver.Remote.BaseURL,
		Timeout: cfg.Resolver.Remote.Timeout,
		Logger:  logger,
	})

	remote := resolve.NewRemoteClient(resolve.RemoteClientConfig{
		Transport:      transport,
		MemoTTL:        cfg.Resolver.Remote.MemoTTL,
		UpsertInterval: cfg.Resolver.Remote.UpsertInterval,
		OnValue:        local.Put,
		Logger:         logger,
		Metrics:        metrics,
	})

	fetcher, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		Timeout:        cfg.Upstream.Timeout,
		RateLimitRPM:   cfg.Upstream.RateLimit.RequestsPerMinute,
		RateLimitBurst: cfg.Upstream.RateLimit.Burst,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		logger.LogError(ctx, "failed to create upstream client", err)
		log.Fatalf("Failed to create upstream client: %v", err)
	}

	limiter := resolve.NewRateLimiter()

	queue := resolve.NewQueue(resolve.QueueConfig{
		Fetcher:          fetcher,
		Limiter:          limiter,
		MaxConcurrent:    cfg.Resolver.Queue.MaxConcurrent,
		DispatchInterval: cfg.Resolver.Queue.DispatchInterval,
		ItemTimeout:      cfg.Resolver.Queue.ItemTimeout,
		RedispatchDelay:  cfg.Resolver.Queue.RedispatchDelay,
		RecheckMax:       cfg.Resolver.Queue.RecheckMax,
		DefaultFreeze:    cfg.Resolver.Queue.DefaultFreeze,
		Logger:           logger,
		Metrics:          metrics,
	})

	resolver := resolve.NewResolver(resolve.ResolverConfig{
		Local:   local,
		Remote:  remote,
		Queue:   queue,
		Logger:  logger,
		Metrics: metrics,
	})

	// External rate-limit side channel
	if cfg.Notifier.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		notifier := notify.NewWindowNotifier(notify.WindowNotifierConfig{
			Client:  redisClient,
			Channel: cfg.Notifier.Channel,
			Limiter: limiter,
			Logger:  logger,
		})
		if err := notifier.Start(ctx); err != nil {
			logger.LogError(ctx, "failed to start rate-limit notifier", err)
			log.Fatalf("Failed to start rate-limit notifier: %v", err)
		}
		defer notifier.Close()
	}

	// Operational alerts
	if cfg.Alerts.Enabled {
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: cfg.AWS.Region})
		if err != nil {
			logger.LogError(ctx, "failed to load AWS config", err)
			log.Fatalf("Failed to load AWS config: %v", err)
		}

		snsClient := aws.NewSNSClient(aws.SNSClientConfig{
			AWSConfig: awsCfg,
			Logger:    logger,
			Metrics:   metrics,
		})

		publisher, err := notify.NewAlertPublisher(notify.AlertPublisherConfig{
			SNSClient: snsClient,
			TopicARN:  cfg.Alerts.SNSTopicARN,
			Service:   "wherefromd",
			Logger:    logger,
		})
		if err != nil {
			logger.LogError(ctx, "failed to create alert publisher", err)
			log.Fatalf("Failed to create alert publisher: %v", err)
		}

		go watchRateLimitWindow(ctx, limiter, publisher)
	}

	srv := startHTTPServer(cfg.HTTP.Port, resolver, metrics, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("wherefromd started", "port", cfg.HTTP.Port)

	<-sigCh
	logger.Info("shutdown signal received, gracefully stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP server shutdown failed", err)
	}

	// Flushes the local tier; nothing accepted after this is persisted.
	resolver.Close(shutdownCtx)

	logger.Info("application stopped")
}

// buildStore opens the configured durable store backend.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "dynamodb":
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{Region: cfg.Store.DynamoDB.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Store.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = awssdk.String(cfg.Store.DynamoDB.Endpoint)
			}
		})
		return store.NewDynamoStore(client, cfg.Store.DynamoDB.Table), nil

	default:
		return store.NewBadgerStore(cfg.Store.Badger.Path)
	}
}

// watchRateLimitWindow alerts once per window engagement.
func watchRateLimitWindow(ctx context.Context, limiter *resolve.RateLimiter, publisher *notify.AlertPublisher) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	wasBlocked := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blocked := limiter.Blocked()
			if blocked && !wasBlocked {
				publisher.RateLimitWindow(ctx, time.Now().Add(limiter.Remaining()))
			}
			wasBlocked = blocked
		}
	}
}

// startHTTPServer serves the resolve endpoint, health, and metrics.
func startHTTPServer(port int, resolver *resolve.Resolver, metrics *observability.Metrics, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/resolve", func(w http.ResponseWriter, r *http.Request) {
		username := r.URL.Query().Get("username")
		if resolve.NormalizeKey(username) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"detail": "username must not be blank"})
			return
		}

		value, found := resolver.Resolve(r.Context(), username)

		resp := map[string]any{
			"username": resolve.NormalizeKey(username),
			"found":    found,
		}
		if found {
			resp["value"] = value
		} else {
			resp["value"] = nil
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogError(context.Background(), "HTTP server error", err)
		}
	}()

	return server
}
