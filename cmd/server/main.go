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

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/api"
	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/hub"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/sqs"
	"github.com/lalithlochan/beacon/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("beacon-server", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon channel server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()

	// Notification store
	var (
		store    notify.Store
		database *db.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, notifications are lost on restart")
		store = db.NewMemoryStore()
	default:
		database, err = db.New(ctx, db.Config{
			URL:      cfg.DatabaseURL,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		store = db.NewRepository(database, logger)
	}

	h := hub.New(hub.Config{
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	// Local delivery always runs first; Redis adds cross-instance fan-out when configured.
	publishers := notify.Publishers{h}

	var (
		redisClient *redis.Client
		fanout      *redis.Fanout
		idempotency api.Idempotency
		dedup       worker.Dedup
		limiter     api.Limiter
	)
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running single-instance without idempotency or rate limiting",
				zap.Error(err),
			)
		}
	}

	if redisClient != nil {
		defer redisClient.Close()

		fanout = redis.NewFanout(redisClient, cfg.FanoutChannel, h, logger)
		if err := fanout.Start(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to fan-out channel: %w", err)
		}

		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("redis-fanout"), logger)
		publishers = append(publishers, circuitbreaker.NewProtectedPublisher(fanout, breaker, logger))

		cache := redis.NewIdempotencyService(redisClient, logger)
		idempotency = cache
		dedup = cache

		if cfg.RateLimit > 0 {
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimit,
				Window: cfg.RateLimitWindow,
			})
		}
	}

	svc := notify.NewService(store, publishers, logger)
	authSvc := auth.New(cfg.JWTSecret, cfg.TokenTTL)

	// Domain-event ingest
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})

	if cfg.SQSQueueURL != "" {
		queue, err := sqs.New(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create ingest queue client: %w", err)
		}

		w := worker.New(queue, svc, dedup, worker.Config{MaxReceives: cfg.SQSMaxReceives}, logger)
		go func() {
			defer close(workerDone)
			w.Start(workerCtx)
		}()
	} else {
		close(workerDone)
		logger.Info("SQS_QUEUE_URL not set, domain-event ingest disabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:        logger,
		Handler:       api.NewHandler(logger, svc, idempotency, h),
		Auth:          authSvc,
		Realtime:      hub.NewHandler(h, authSvc, logger),
		InternalToken: cfg.InternalToken,
		Limiter:       limiter,
		Health: func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if database != nil {
				if err := database.Health(ctx); err != nil {
					return fmt.Errorf("database: %w", err)
				}
			}
			if redisClient != nil {
				if err := redisClient.Ping(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	})

	// write deadlines on upgraded connections are managed per frame by the hub
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// hijacked connections are not tracked by Shutdown
		h.Close()
		workerCancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		select {
		case <-workerDone:
		case <-ctx.Done():
			logger.Warn("ingest worker did not stop before the shutdown deadline")
		}

		if fanout != nil {
			if err := fanout.Close(); err != nil {
				logger.Warn("failed to close fan-out subscription", zap.Error(err))
			}
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
