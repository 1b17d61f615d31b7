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

	"mtmfeed/internal/bus"
	"mtmfeed/internal/config"
	"mtmfeed/internal/gateway"
	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

func main() {
	// Load configuration
	cfg, err := config.LoadGatewayFromEnv()
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

	logger.Info("gateway_service_starting",
		"port", cfg.Port,
		"ws_path", cfg.WSPath,
		"historical_timeout_ms", cfg.HistoricalTimeoutMS,
		"redis_url", cfg.RedisURL,
	)

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
	series := timeseries.New(stateStore, loc, logger, timeseries.WithMetrics(metrics))

	gw, err := gateway.New(
		redisBus,
		gateway.NewHistorical(stateStore, series, logger),
		gateway.Options{
			WSPath:            cfg.WSPath,
			Timeout:           cfg.Timeout(),
			HistoricalTimeout: cfg.HistoricalTimeout(),
			Location:          loc,
			MetricsHandler:    promhttp.Handler(),
		},
		logger,
		metrics,
	)
	if err != nil {
		logger.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway_server_listening", "port", cfg.Port, "status", "healthy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	// Graceful shutdown
	logger.Info("shutdown_signal_received", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_error", "error", err)
	}
	gw.Close()

	logger.Info("gateway_service_stopped")
}
