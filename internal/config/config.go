// Package config loads quantrail's runtime configuration from the
// environment, following the teacher's getEnv/getEnvInt/getEnvDuration
// helper pattern (internal/config/config.go) rather than a flags package
// or a third config-file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of values the coordinator needs at startup.
type Config struct {
	// Broker HTTP
	BrokerAPIBaseURL string
	BrokerAPIKey     string

	// Broker streams
	OrdersStreamURL    string
	PositionsStreamURL string
	QuoteStreamURL     string

	// Durable store. Empty DBURI means "volatile, in-memory only".
	DBURI string

	// Timing knobs, spec §6.
	PositionWaitMs      int
	ReconnectWindowMs   int
	PostCreateCheckMs   int
	ReconcileCooldownMs int
	CacheDebounceMs     int
	CacheFlushMs        int

	// Operator HTTP surface.
	ControlAddr string

	// Lifecycle worker pool size, spec §5 ("default 8").
	WorkerPoolSize int

	Debug bool
}

// Load populates Config from the environment. It returns an error if a
// required variable is missing, mirroring the teacher's Load() validation
// of TELEGRAM_BOT_TOKEN.
func Load() (*Config, error) {
	cfg := &Config{
		BrokerAPIBaseURL:    os.Getenv("BROKER_API_BASE_URL"),
		BrokerAPIKey:        os.Getenv("BROKER_API_KEY"),
		OrdersStreamURL:     getEnv("BROKER_ORDERS_STREAM_URL", ""),
		PositionsStreamURL:  getEnv("BROKER_POSITIONS_STREAM_URL", ""),
		QuoteStreamURL:      getEnv("BROKER_QUOTE_STREAM_URL", ""),
		DBURI:               os.Getenv("DB_URI"),
		PositionWaitMs:      getEnvInt("STOPLIMIT_POSITION_WAIT_MS", 3000),
		ReconnectWindowMs:   getEnvInt("STOPLIMIT_RECONNECT_WINDOW_MS", 30000),
		PostCreateCheckMs:   getEnvInt("STOPLIMIT_POST_CREATE_CHECK_MS", 500),
		ReconcileCooldownMs: getEnvInt("RECONCILE_COOLDOWN_MS", 5000),
		CacheDebounceMs:     getEnvInt("CACHE_DEBOUNCE_MS", 2000),
		CacheFlushMs:        getEnvInt("CACHE_FLUSH_MS", 30000),
		ControlAddr:         getEnv("CONTROL_ADDR", ":8090"),
		WorkerPoolSize:      getEnvInt("STOPLIMIT_WORKER_POOL_SIZE", 8),
		Debug:               getEnvBool("DEBUG", false),
	}

	if cfg.BrokerAPIBaseURL == "" {
		return nil, fmt.Errorf("BROKER_API_BASE_URL is required")
	}
	if cfg.BrokerAPIKey == "" {
		return nil, fmt.Errorf("BROKER_API_KEY is required")
	}
	// DB_URI is required by spec, but an empty value is handled, not
	// rejected: the store falls back to a volatile in-memory mode and
	// logs a warning itself (internal/store.New).

	return cfg, nil
}

func (c *Config) PositionWait() time.Duration {
	return time.Duration(c.PositionWaitMs) * time.Millisecond
}

func (c *Config) ReconnectWindow() time.Duration {
	return time.Duration(c.ReconnectWindowMs) * time.Millisecond
}

func (c *Config) PostCreateCheck() time.Duration {
	return time.Duration(c.PostCreateCheckMs) * time.Millisecond
}

func (c *Config) ReconcileCooldown() time.Duration {
	return time.Duration(c.ReconcileCooldownMs) * time.Millisecond
}

func (c *Config) CacheDebounce() time.Duration {
	return time.Duration(c.CacheDebounceMs) * time.Millisecond
}

func (c *Config) CacheFlush() time.Duration {
	return time.Duration(c.CacheFlushMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
