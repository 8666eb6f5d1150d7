package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"travel-event-core/config"
	httpHandler "travel-event-core/internal/adapter/http/handler"
	"travel-event-core/internal/adapter/http/middleware"
	pgStorage "travel-event-core/internal/adapter/storage/postgres"
	redisStorage "travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"
	"travel-event-core/internal/service"
	"travel-event-core/internal/worker"
	"travel-event-core/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(os.Getenv("TEC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting travel event API")

	ctx := context.Background()

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, "travel_event_core")
	clk := clock.RealClock{}

	// Repositories
	deliveryRepo := pgStorage.NewDeliveryRepo(pool)
	subscriptionRepo := pgStorage.NewSubscriptionRepo(pool)
	inboundRepo := pgStorage.NewInboundEventRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Shared store
	locks := redisStorage.NewLockStore(rdb)
	jobStore := redisStorage.NewJobStore(rdb, locks, clk)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb, clk, log)
	dedupCache := redisStorage.NewDedupCache(rdb)

	// The API only enqueues; cmd/worker runs the pools.
	engine := worker.NewEngine(jobStore, rateLimitStore, cfg.Queue, metrics, clk, log)

	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}
	hmacSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)

	webhookSvc := service.NewWebhookService(service.WebhookDeps{
		Deliveries:    deliveryRepo,
		Subscriptions: subscriptionRepo,
		Transactor:    transactor,
		Queue:         engine,
		Encryption:    encSvc,
		Signature:     hmacSvc,
		HTTPClient:    &http.Client{Timeout: cfg.Delivery.Timeout},
		Metrics:       metrics,
		Clock:         clk,
	}, cfg.Delivery, log)

	ingestSvc := service.NewIngestService(service.IngestDeps{
		Verifier: service.NewDefaultSignatureRegistry(hmacSvc),
		Events:   inboundRepo,
		Dedup:    dedupCache,
		Queue:    engine,
		Metrics:  metrics,
		Clock:    clk,
	}, cfg.Providers, cfg.Ingest, log)

	if cfg.Providers.PaymentGateway.ServerKey == "" || cfg.Providers.ESign.WebhookSecret == "" {
		log.Warn().Msg("Provider secrets incomplete, callbacks from unconfigured providers will be rejected")
	}

	var spec []byte
	if cfg.Server.DocsPath != "" {
		if spec, err = os.ReadFile(cfg.Server.DocsPath); err != nil {
			log.Warn().Err(err).Msg("OpenAPI spec not found, /docs will be unavailable")
			spec = nil
		}
	}

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		IngestSvc:      ingestSvc,
		WebhookSvc:     webhookSvc,
		Queues:         engine,
		Store:          redisStorage.NewInspector(rdb),
		TokenSvc:       tokenSvc,
		RateLimiter:    rateLimitStore,
		RateLimits:     middleware.DefaultRateLimitRules(cfg.Ingest.RateLimit),
		HealthCheckers: []ports.HealthChecker{pgStorage.NewHealthCheck(pool), redisStorage.NewHealthCheck(rdb)},
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		OpenAPISpec:    spec,
		Mode:           cfg.Server.Mode,
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
