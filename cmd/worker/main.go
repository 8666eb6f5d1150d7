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
	pgStorage "travel-event-core/internal/adapter/storage/postgres"
	redisStorage "travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/observability"
	"travel-event-core/internal/service"
	"travel-event-core/internal/worker"
	"travel-event-core/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("TEC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Int("queues", len(cfg.Queue.Queues)).Msg("Starting travel event worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	deliveryRepo := pgStorage.NewDeliveryRepo(pool)
	locks := redisStorage.NewLockStore(rdb)
	jobStore := redisStorage.NewJobStore(rdb, locks, clk)
	engine := worker.NewEngine(jobStore, redisStorage.NewRateLimitStore(rdb, clk, log), cfg.Queue, metrics, clk, log)

	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}

	webhookSvc := service.NewWebhookService(service.WebhookDeps{
		Deliveries:    deliveryRepo,
		Subscriptions: pgStorage.NewSubscriptionRepo(pool),
		Transactor:    pgStorage.NewTransactor(pool),
		Queue:         engine,
		Encryption:    encSvc,
		Signature:     service.NewHMACSignatureService(),
		HTTPClient:    &http.Client{Timeout: cfg.Delivery.Timeout},
		Metrics:       metrics,
		Clock:         clk,
	}, cfg.Delivery, log)

	followUps := service.NewFollowUpService(
		pgStorage.NewRecordStateRepo(pool),
		engine,
		service.NewLoggingMailer(log),
		clk,
		log,
	)

	engine.Register(domain.JobWebhookDeliver, webhookSvc.DeliverHandler)
	engine.Register(domain.JobWebhookFanout, webhookSvc.FanoutHandler)
	engine.Register(domain.JobRecordUpdateStatus, followUps.UpdateRecordStatus)
	engine.Register(domain.JobStakeholderNotify, followUps.NotifyStakeholder)
	engine.Register(domain.JobEmailSend, followUps.SendEmail)

	sweeper := worker.NewSweeper(engine, jobStore, locks, deliveryRepo, webhookSvc, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Worker exited")
}
