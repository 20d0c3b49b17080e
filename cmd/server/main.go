package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/api"
	"github.com/2060-io/message-pickup-repository/internal/bus"
	"github.com/2060-io/message-pickup-repository/internal/config"
	"github.com/2060-io/message-pickup-repository/internal/pickup"
	"github.com/2060-io/message-pickup-repository/internal/push"
	"github.com/2060-io/message-pickup-repository/internal/registry"
	"github.com/2060-io/message-pickup-repository/internal/rpc"
	"github.com/2060-io/message-pickup-repository/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable message store: Postgres when configured, SQLite otherwise
	var messageStore store.MessageStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		messageStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		messageStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer messageStore.Close()

	// Coordination layer: Redis-backed registry, bus and fast tier when
	// configured; in-process fallbacks otherwise (single-instance mode)
	var (
		sessionRegistry registry.LiveSessionRegistry
		notificationBus bus.NotificationBus
		fastTier        store.Cache
		redisClient     *redis.Client
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()

		sessionRegistry = registry.NewRedisRegistry(redisClient, cfg.LiveSessionTTL)
		notificationBus = bus.NewRedisBus(redisClient, logger)
		fastTier = store.NewRedisCache(redisClient)
		logger.Info().Msg("connected to Redis")
	} else {
		sessionRegistry = registry.NewMemoryRegistry()
		notificationBus = bus.NewMemoryBus()
		logger.Warn().Msg("no REDIS_URL configured, running in single-instance mode")
	}
	defer notificationBus.Close()

	// Push notification fallback
	var dispatcher push.Dispatcher
	if cfg.PushServiceURL != "" {
		dispatcher = push.NewHTTPDispatcher(cfg.PushServiceURL, logger)
	} else {
		dispatcher = push.NoopDispatcher{}
		logger.Warn().Msg("no PUSH_SERVICE_URL configured, push notifications disabled")
	}

	// Repository facade
	service := pickup.NewService(pickup.Options{
		Store:            messageStore,
		Cache:            fastTier,
		Registry:         sessionRegistry,
		Bus:              notificationBus,
		Dispatcher:       dispatcher,
		Logger:           logger,
		InstanceID:       cfg.InstanceID,
		TakeDefaultLimit: cfg.TakeDefaultLimit,
		TakeMaxLimit:     cfg.TakeMaxLimit,
	})

	// Periodic sweep: fast-tier migration + stale sending reset
	persister := pickup.NewPersister(messageStore, fastTier, logger,
		cfg.PersistInterval, cfg.PersistAfter, cfg.StaleSendingAfter)
	go persister.Run(ctx)

	// Health checks
	checks := map[string]api.HealthCheck{
		"store": messageStore.Ping,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	// Create router
	router := api.NewRouter(api.RouterOptions{
		Logger: logger,
		WS:     rpc.NewServer(service, logger),
		Checks: checks,
	})

	// Create server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("instance", cfg.InstanceID).
			Msg("starting message pickup repository")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	cancel()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
