package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/events"
	"tradehook/internal/exchange"
	"tradehook/internal/gateway"
	"tradehook/internal/health"
	"tradehook/internal/queue"
	"tradehook/internal/reconciler"
	"tradehook/internal/store"
	"tradehook/internal/vault"
	"tradehook/internal/worker"
	"tradehook/pkg/breaker"
	"tradehook/pkg/logging"
	"tradehook/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootstrapLogger, _ := logging.NewZapLogger("INFO")
		bootstrapLogger.Fatal("Failed to load configuration", "error", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	logger.Info("Starting tradehook", "listenAddr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence.
	dbCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	st, err := store.Connect(dbCtx, cfg.Database.URL.Reveal(), logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer st.Close()
	if cfg.Database.InitSchema {
		if err := st.InitSchema(ctx); err != nil {
			logger.Fatal("Failed to initialize schema", "error", err)
		}
	}

	// Credential vault.
	vlt, err := vault.New(cfg.Vault.Keyring.Reveal())
	if err != nil {
		logger.Fatal("Failed to initialize vault", "error", err)
	}

	// Redis: rate-limit counters and the pub/sub channel.
	redisOpt, err := redis.ParseURL(cfg.Redis.URL.Reveal())
	if err != nil {
		logger.Fatal("Invalid redis url", "error", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()
	limiter := ratelimit.NewRedisLimiter(redisClient)

	publisher, err := events.NewPublisher(cfg.Redis.URL.Reveal(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize event publisher", "error", err)
	}
	defer publisher.Close()

	// Durable queue, both sides.
	queueClient, err := queue.NewClient(cfg.Redis.URL.Reveal(), cfg.Queue.ExecuteMaxAttempts, cfg.Queue.ReconcileMaxAttempts, logger)
	if err != nil {
		logger.Fatal("Failed to initialize queue client", "error", err)
	}
	defer queueClient.Close()

	breakers := breaker.NewRegistry(breaker.DefaultConfig, logger)
	executor := worker.NewExecutor(st, vlt, breakers, cfg.Exchanges, logger)
	recon := reconciler.NewReconciler(st, vlt, publisher, breakers, cfg.Exchanges, logger)

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		RedisURL:             cfg.Redis.URL.Reveal(),
		ExecuteConcurrency:   cfg.Queue.ExecuteConcurrency,
		ReconcileConcurrency: cfg.Queue.ReconcileConcurrency,
	}, executor.HandleExecute, recon.HandleReconcile, logger)
	if err != nil {
		logger.Fatal("Failed to initialize queue consumer", "error", err)
	}

	scheduler := reconciler.NewScheduler(st, queueClient, cfg.Reconcile, logger)

	// Health probes behind the gateway's /health.
	checker := health.NewManager(cfg.Redis.Timeout, logger)
	checker.Register("database", true, st.Ping)
	checker.Register("redis", true, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	checker.Register("memory", false, health.MemoryProbe(cfg.System.MemoryThreshold))
	for _, tag := range core.SupportedExchanges {
		// Ping endpoints are public, so a credential-less adapter works.
		adapter, err := exchange.New(tag, &core.Credentials{}, false, cfg.Exchanges, logger)
		if err != nil {
			continue
		}
		checker.Register("exchange_"+tag, false, adapter.Ping)
	}

	server := gateway.NewServer(cfg.Server.ListenAddr, cfg.Server.MetricsPath, st, queueClient, limiter, checker, cfg.Webhook, logger)

	if err := consumer.Start(); err != nil {
		logger.Fatal("Failed to start queue consumer", "error", err)
	}
	go scheduler.Run(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("Gateway stopped unexpectedly", "error", err)
	}

	// Stop intake first, then drain in-flight jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.System.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown incomplete", "error", err)
	}
	consumer.Shutdown()

	logger.Info("Shutdown complete")
}
