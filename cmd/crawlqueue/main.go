// Package main wires together the crawl queue worker service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/corpusworks/crawlqueue/internal/clock/system"
	"github.com/corpusworks/crawlqueue/internal/config"
	"github.com/corpusworks/crawlqueue/internal/crawlstate"
	"github.com/corpusworks/crawlqueue/internal/executor"
	"github.com/corpusworks/crawlqueue/internal/id/uuid"
	"github.com/corpusworks/crawlqueue/internal/logging"
	"github.com/corpusworks/crawlqueue/internal/metrics"
	"github.com/corpusworks/crawlqueue/internal/queue"
	"github.com/corpusworks/crawlqueue/internal/storage/postgres"
	"github.com/corpusworks/crawlqueue/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A broken config file must not keep the queue from draining: fall
	// back to defaults and keep going.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed, using defaults: %v\n", err)
		cfg = config.Default()
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !errors.Is(syncErr, syscall.EINVAL) {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	if cfg.DB.DSN == "" {
		logger.Fatal("db.dsn is required (set CRAWLQUEUE_DB_DSN or db.dsn in the config file)")
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()

	queueStore, err := postgres.NewQueueStore(pool)
	if err != nil {
		logger.Fatal("queue store init failed", zap.Error(err))
	}
	stateStore, err := postgres.NewStateStore(pool)
	if err != nil {
		logger.Fatal("state store init failed", zap.Error(err))
	}
	sourceStore, err := postgres.NewSourceStore(pool)
	if err != nil {
		logger.Fatal("source store init failed", zap.Error(err))
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	queueMgr := queue.NewManager(queueStore, clock, ids, sourceStore, sourceStore, logger)
	stateMgr := crawlstate.NewManager(stateStore, clock, logger)

	exec := executor.New(executor.Config{
		UserAgent: "crawlqueue/1.0",
		Timeout:   15 * time.Second,
	}, stateMgr, logger)

	w := worker.New(
		queueMgr,
		sourceStore,
		sourceStore,
		sourceStore,
		sourceStore,
		exec,
		clock,
		worker.Config{
			BatchSize:                cfg.Worker.BatchSize,
			PollInterval:             cfg.Worker.PollInterval,
			HighPriorityPollInterval: cfg.Worker.HighPriorityPollInterval,
			HighPriorityThreshold:    cfg.Worker.HighPriorityThreshold,
			RetryDelays:              cfg.Worker.RetryDelays,
			StaleCutoff:              cfg.Worker.StaleCutoff,
		},
		logger,
	)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("worker start failed", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("worker shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
}
