package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mtmfeed/internal/assembler"
	"mtmfeed/internal/bus"
	"mtmfeed/internal/config"
	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/publisher"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

func main() {
	// Load configuration
	cfg, err := config.LoadPublisherFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	loc, _ := cfg.Location()

	logger.Info("publisher_service_starting",
		"redis_url", cfg.RedisURL,
		"tick_interval_ms", cfg.TickIntervalMS,
		"client_fetch_timeout_ms", cfg.ClientFetchTimeoutMS,
		"index_symbols", cfg.IndexSymbols,
		"timezone", loc.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis state store
	stateStore, err := store.New(cfg.RedisURL, cfg.RedisPassword, logger)
	if err != nil {
		logger.Error("failed to create state store", "error", err)
		os.Exit(1)
	}
	defer stateStore.Close()

	// The bus shares the store's connection.
	redisBus := bus.NewRedis(stateStore.Redis(), logger)

	logger.Info("redis_initialized")

	metrics := instrumentation.NewMetrics()

	// Start Prometheus HTTP server for metrics endpoint
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics_server_starting", "port", cfg.PrometheusPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()

	roster, err := assembler.LoadRoster(ctx, stateStore, logger)
	if err != nil {
		logger.Error("failed to load roster", "error", err)
		os.Exit(1)
	}

	series := timeseries.New(stateStore, loc, logger, timeseries.WithMetrics(metrics))

	asm := assembler.New(
		stateStore,
		series,
		publisher.New(redisBus, logger, metrics),
		roster,
		assembler.Options{
			TickInterval:       cfg.TickInterval,
			ClientFetchTimeout: cfg.ClientFetchTimeout,
			RosterRefresh:      cfg.RosterRefresh,
			IndexSymbols:       cfg.IndexSymbols,
			Location:           loc,
		},
		logger,
		metrics,
	)

	// Setup signal handling: SIGHUP reloads the roster, SIGINT/SIGTERM stop.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		if err := asm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	logger.Info("publisher_service_running", "status", "healthy")

	for running := true; running; {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := roster.Reload(ctx); err != nil {
					logger.Error("roster_reload_failed", "error", err)
				}
				continue
			}
			logger.Info("shutdown_signal_received", "signal", sig.String())
			running = false
		case err := <-errChan:
			logger.Error("assembler_error", "error", err)
			running = false
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_server_shutdown_error", "error", err)
	}

	logger.Info("publisher_service_stopped")
}
