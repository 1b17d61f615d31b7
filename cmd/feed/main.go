// Command feed runs the snapshot publisher and the websocket gateway in one
// process, connected by the in-memory bus.
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
	"mtmfeed/internal/gateway"
	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/publisher"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

func main() {
	pubCfg, err := config.LoadPublisherFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	gwCfg, err := config.LoadGatewayFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := pubCfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := gwCfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: pubCfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	loc, _ := pubCfg.Location()

	logger.Info("feed_service_starting",
		"port", gwCfg.Port,
		"tick_interval_ms", pubCfg.TickIntervalMS,
		"redis_url", pubCfg.RedisURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateStore, err := store.New(pubCfg.RedisURL, pubCfg.RedisPassword, logger)
	if err != nil {
		logger.Error("failed to create state store", "error", err)
		os.Exit(1)
	}
	defer stateStore.Close()

	memoryBus := bus.NewMemory(256, logger)
	metrics := instrumentation.NewMetrics()
	series := timeseries.New(stateStore, loc, logger, timeseries.WithMetrics(metrics))

	roster, err := assembler.LoadRoster(ctx, stateStore, logger)
	if err != nil {
		logger.Error("failed to load roster", "error", err)
		os.Exit(1)
	}

	asm := assembler.New(
		stateStore,
		series,
		publisher.New(memoryBus, logger, metrics),
		roster,
		assembler.Options{
			TickInterval:       pubCfg.TickInterval,
			ClientFetchTimeout: pubCfg.ClientFetchTimeout,
			RosterRefresh:      pubCfg.RosterRefresh,
			IndexSymbols:       pubCfg.IndexSymbols,
			Location:           loc,
		},
		logger,
		metrics,
	)

	gw, err := gateway.New(
		memoryBus,
		gateway.NewHistorical(stateStore, series, logger),
		gateway.Options{
			WSPath:            gwCfg.WSPath,
			Timeout:           gwCfg.Timeout(),
			HistoricalTimeout: gwCfg.HistoricalTimeout(),
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

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", gwCfg.Port),
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 2)
	go func() {
		logger.Info("gateway_server_listening", "port", gwCfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	go func() {
		if err := asm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("feed_service_running", "status", "healthy")

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
			logger.Error("feed_error", "error", err)
			running = false
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", "error", err)
	}
	gw.Close()

	logger.Info("feed_service_stopped")
}
