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
	_ "time/tzdata"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/api"
	"github.com/sproutogroup/dealernotify/internal/config"
	"github.com/sproutogroup/dealernotify/internal/db"
	"github.com/sproutogroup/dealernotify/internal/events"
	"github.com/sproutogroup/dealernotify/internal/intake"
	"github.com/sproutogroup/dealernotify/internal/observ"
	"github.com/sproutogroup/dealernotify/internal/realtime"
	"github.com/sproutogroup/dealernotify/internal/redis"
	"github.com/sproutogroup/dealernotify/internal/sns"
	"github.com/sproutogroup/dealernotify/internal/sqs"
	"github.com/sproutogroup/dealernotify/internal/templates"
	"github.com/sproutogroup/dealernotify/internal/worker"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dealernotify gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
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

	repo := db.NewRepository(database, logger)

	// Redis is optional: without it there is no idempotency or rate limiting.
	var handlerOpts []api.HandlerOption
	routerCfg := api.RouterConfig{AllowedOrigins: cfg.CORSOrigins}
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.Config{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			handlerOpts = append(handlerOpts, api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)))
			if cfg.RateLimitRequests > 0 {
				routerCfg.Limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
					Limit:  cfg.RateLimitRequests,
					Window: cfg.RateLimitWindow,
				})
			}
		}
	}

	hub := realtime.NewHub(logger)
	defer hub.Close()
	routerCfg.Realtime = realtime.NewHandler(hub, cfg.CORSOrigins, logger)

	senders, err := buildSenders(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}

	var workerOpts []worker.Option
	if cfg.OutcomeTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.OutcomeTopicARN, cfg.SNSRegion, cfg.AWSEndpoint, logger)
		if err != nil {
			logger.Warn("outcome publisher unavailable", zap.Error(err))
		} else {
			workerOpts = append(workerOpts, worker.WithOutcomeSink(publisher))
		}
	}

	w := worker.New(repo, senders, worker.Config{
		TickInterval:    cfg.TickInterval,
		CleanupSchedule: cfg.CleanupSchedule,
		MaxRetries:      cfg.MaxRetries,
		MaxAge:          cfg.MaxItemAge,
		AttemptTimeout:  cfg.AttemptTimeout,
	}, logger, workerOpts...)

	// A user's first live connection releases their offline buffer.
	hub.OnConnect(func(userID uuid.UUID) { w.Reconnect(userID) })

	registry := templates.Default()
	intakeSvc := intake.New(repo, w, registry, logger)

	workerErr := make(chan error, 1)
	go func() { workerErr <- w.Start(ctx) }()

	if cfg.EventsQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.EventsQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("business event listener unavailable", zap.Error(err))
		} else {
			listener := events.NewListener(consumer, intakeSvc, events.Config{}, logger)
			go listener.Run(ctx)
		}
	}

	handlerOpts = append(handlerOpts, api.WithHealthCheck(database))
	handler := api.NewHandler(logger, repo, intakeSvc, w, handlerOpts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	workerDone := false
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case err := <-workerErr:
		workerDone = true
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	stop()
	if !workerDone {
		<-workerErr
	}

	logger.Info("server stopped gracefully")
	return nil
}
