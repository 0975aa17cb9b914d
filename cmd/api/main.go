// Package main is the entry point for the realtime backbone service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elevate-ai/coaching-platform/internal/broker"
	"github.com/elevate-ai/coaching-platform/internal/bus"
	"github.com/elevate-ai/coaching-platform/internal/config"
	"github.com/elevate-ai/coaching-platform/internal/handler"
	"github.com/elevate-ai/coaching-platform/internal/prediction"
	"github.com/elevate-ai/coaching-platform/internal/storage"
	"github.com/elevate-ai/coaching-platform/internal/store"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
	"github.com/elevate-ai/coaching-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting backbone service")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "coaching-backbone", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to Redis (durable store, and default broker)
	redisStore, err := storage.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", zap.Error(err))
		os.Exit(1)
	}
	defer redisStore.Close()

	var msgBroker broker.Broker
	switch cfg.Broker {
	case "nats":
		natsBroker, err := broker.ConnectNATS(broker.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		msgBroker = natsBroker
	default:
		msgBroker = broker.NewRedisBroker(redisStore.Client(), log)
	}
	defer msgBroker.Close()

	// Event bus
	eventBus := bus.New(msgBroker, bus.Config{
		ChannelPrefix:    cfg.ChannelPrefix,
		DefaultTTL:       cfg.DefaultEventTTL,
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay,
		HandlerTimeout:   cfg.HandlerTimeout,
		DeadLetterLimit:  cfg.DeadLetterLimit,
		LatencyWindow:    cfg.LatencyWindow,
		ThroughputWindow: cfg.ThroughputWindow,
	}, log)
	defer eventBus.Close()

	// Event store
	eventStore, err := store.New(ctx, redisStore, store.Config{
		KeyPrefix:        cfg.KeyPrefix,
		Retention:        cfg.Retention,
		SnapshotInterval: cfg.SnapshotInterval,
		ReplayBatchSize:  cfg.ReplayBatchSize,
	}, log)
	if err != nil {
		log.Error("failed to initialize event store", zap.Error(err))
		os.Exit(1)
	}
	eventStore.SetSnapshotNeeded(func(aggregateID, aggregateType string, sequence uint64) {
		log.Info("snapshot needed",
			zap.String("aggregate_id", aggregateID),
			zap.String("aggregate_type", aggregateType),
			zap.Uint64("sequence", sequence),
		)
	})

	// Prediction service; model functions are registered by their owning
	// components at runtime.
	predictionSvc := prediction.New(redisStore, eventBus, prediction.Config{
		KeyPrefix:        cfg.KeyPrefix,
		Timeout:          cfg.PredictionTimeout,
		CacheTTLCritical: cfg.CacheTTLCritical,
		CacheTTLHigh:     cfg.CacheTTLHigh,
		CacheTTLNormal:   cfg.CacheTTLNormal,
		CacheTTLLow:      cfg.CacheTTLLow,
		QueueCapacity:    cfg.QueueCapacity,
		DrainInterval:    cfg.QueueDrainInterval,
		DrainBatch:       cfg.QueueDrainBatch,
		BatchChunkSize:   cfg.BatchChunkSize,
		LatencyWindow:    cfg.PredictionLatWindow,
	}, log)
	predictionSvc.Start(ctx)
	defer predictionSvc.Stop()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(redisStore, msgBroker, eventBus)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/stats", healthHandler.Stats)
	r.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down service")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("service stopped")
}
