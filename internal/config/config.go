package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Common holds settings shared by the publisher and the gateway.
type Common struct {
	// Redis
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Location used for "today" and for rendering timestamps.
	Timezone string `env:"TIMEZONE" envDefault:"Local"`

	// Observability
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Location resolves Timezone.
func (c *Common) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Common) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Common) validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Publisher holds the snapshot publisher configuration.
type Publisher struct {
	Common

	// Cadence (parsed as milliseconds / seconds)
	TickIntervalMS       int `env:"TICK_INTERVAL_MS" envDefault:"200"`
	ClientFetchTimeoutMS int `env:"CLIENT_FETCH_TIMEOUT_MS" envDefault:"150"`
	RosterRefreshSec     int `env:"ROSTER_REFRESH_SEC" envDefault:"0"`

	// Index symbols whose last traded price is read from ltp.<symbol>
	IndexSymbols []string `env:"INDEX_SYMBOLS" envSeparator:"," envDefault:"NIFTYSPOT,BANKNIFTYSPOT,FINNIFTYSPOT,MIDCPNIFTYSPOT,SENSEXSPOT"`

	PrometheusPort int `env:"PROMETHEUS_PORT" envDefault:"9091"`

	// Computed durations (not from env)
	TickInterval       time.Duration `env:"-"`
	ClientFetchTimeout time.Duration `env:"-"`
	RosterRefresh      time.Duration `env:"-"`
}

// LoadPublisherFromEnv loads publisher configuration from environment variables.
func LoadPublisherFromEnv() (*Publisher, error) {
	cfg := &Publisher{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: ""}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	kept := cfg.IndexSymbols[:0]
	for _, symbol := range cfg.IndexSymbols {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			kept = append(kept, symbol)
		}
	}
	cfg.IndexSymbols = kept

	cfg.TickInterval = time.Duration(cfg.TickIntervalMS) * time.Millisecond
	cfg.ClientFetchTimeout = time.Duration(cfg.ClientFetchTimeoutMS) * time.Millisecond
	cfg.RosterRefresh = time.Duration(cfg.RosterRefreshSec) * time.Second

	return cfg, nil
}

// Validate validates the publisher configuration.
func (c *Publisher) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}

	if c.TickInterval < 10*time.Millisecond {
		return fmt.Errorf("tick interval must be at least 10ms, got %dms", c.TickIntervalMS)
	}

	if c.ClientFetchTimeout < time.Millisecond {
		return fmt.Errorf("client fetch timeout must be at least 1ms, got %dms", c.ClientFetchTimeoutMS)
	}

	if c.RosterRefreshSec < 0 {
		return fmt.Errorf("roster refresh must not be negative, got %ds", c.RosterRefreshSec)
	}

	if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
		return fmt.Errorf("invalid prometheus port: %d", c.PrometheusPort)
	}

	return nil
}

// Gateway holds the websocket gateway configuration.
type Gateway struct {
	Common

	// Server
	Port      int    `env:"GATEWAY_PORT" envDefault:"5000"`
	WSPath    string `env:"WS_PATH" envDefault:"/ws"`
	TimeoutMS int    `env:"TIMEOUT_MS" envDefault:"150"`

	// Upper bound for answering one historical data request
	HistoricalTimeoutMS int `env:"HISTORICAL_TIMEOUT_MS" envDefault:"2000"`
}

// Timeout returns the health check timeout as a time.Duration.
func (c *Gateway) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HistoricalTimeout returns the historical query timeout as a time.Duration.
func (c *Gateway) HistoricalTimeout() time.Duration {
	return time.Duration(c.HistoricalTimeoutMS) * time.Millisecond
}

// LoadGatewayFromEnv loads gateway configuration from environment variables.
func LoadGatewayFromEnv() (*Gateway, error) {
	cfg := &Gateway{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: ""}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	return cfg, nil
}

// Validate validates the gateway configuration.
func (c *Gateway) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("websocket path must start with '/', got %q", c.WSPath)
	}

	if c.TimeoutMS < 1 {
		return fmt.Errorf("timeout must be at least 1ms, got %dms", c.TimeoutMS)
	}

	if c.HistoricalTimeoutMS < 1 {
		return fmt.Errorf("historical timeout must be at least 1ms, got %dms", c.HistoricalTimeoutMS)
	}

	return nil
}
