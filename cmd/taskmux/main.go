package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mfalcone/taskmux/internal/config"
	"github.com/mfalcone/taskmux/internal/generation"
	"github.com/mfalcone/taskmux/internal/httpapi"
	"github.com/mfalcone/taskmux/internal/observability"
	"github.com/mfalcone/taskmux/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	tracker := tasks.NewTracker(logger, metrics)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.RedisURL != "" {
		broker, err := tasks.NewRedisBroker(runCtx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			logger.Fatal("redis broker init failed", zap.Error(err))
		}
		defer broker.Close()
		tracker.SetBroker(broker)

		go func() {
			if err := tracker.RunCommandListener(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("command listener exited", zap.Error(err))
			}
		}()
		logger.Info("distributed coordination enabled", zap.String("key_prefix", cfg.RedisKeyPrefix))
	} else {
		logger.Info("running in local-only mode")
	}

	var generator *generation.Client
	if cfg.UpstreamURL != "" {
		generator = generation.NewClient(cfg.UpstreamURL, cfg.UpstreamModel)
		logger.Info("generation upstream configured",
			zap.String("url", cfg.UpstreamURL), zap.String("model", cfg.UpstreamModel))
	} else {
		logger.Warn("no generation upstream configured; POST /v1/generations will respond 501")
	}

	api := httpapi.New(cfg, tracker, generator, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
