package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/logging"
)

// Worker delivers flagged activity to operators and enforces retention.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	slog.SetDefault(logger)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		logger.Error("worker needs shared backends; set STORE_BACKEND=postgres and QUEUE_BACKEND=redis")
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.RunJanitor(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.ConsumeFlags(ctx); err != nil {
			logger.Error("queue consume init failed", "error", err)
			stop()
		}
	}()

	logger.Info("worker started", "purge_interval", cfg.PurgeInterval, "metrics_port", cfg.MetricsPort)
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
