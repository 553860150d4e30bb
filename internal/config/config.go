package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the CLI defaults loaded from the environment. Command-line
// flags override these per invocation.
//
// Fields:
// - Env: The current environment (local, development, production).
// - APIKey: The geocoding API key.
// - Workers: The default number of concurrent batch workers.
// - Retries: The default per-request retry budget.
// - Timeout: The default per-request timeout.
// - MetricsPort: The monitoring server port; 0 disables the server.
// - CachePath: Path to the sqlite response cache; empty disables caching.
// - CacheTTL: Maximum age of a usable cache entry; 0 keeps entries forever.
type Config struct {
	Env         string
	APIKey      string
	Workers     int
	Retries     int
	Timeout     time.Duration
	MetricsPort int
	CachePath   string
	CacheTTL    time.Duration
}

// MustLoad loads the configuration from the environment, reading an
// optional .env file first. It panics on unparseable values.
func MustLoad() *Config {
	_ = godotenv.Load()

	workers, err := strconv.Atoi(setDefaultEnv("WAYPOINT_WORKERS", "4"))
	if err != nil {
		panic("failed to parse workers from configuration, must be an integer")
	}

	retries, err := strconv.Atoi(setDefaultEnv("WAYPOINT_RETRIES", "5"))
	if err != nil {
		panic("failed to parse retries from configuration, must be an integer")
	}

	timeout, err := time.ParseDuration(setDefaultEnv("WAYPOINT_TIMEOUT", "30s"))
	if err != nil {
		panic("failed to parse timeout from configuration")
	}

	metricsPort, err := strconv.Atoi(setDefaultEnv("WAYPOINT_METRICS_PORT", "0"))
	if err != nil {
		panic("failed to parse metrics port from configuration")
	}

	cacheTTL, err := time.ParseDuration(setDefaultEnv("WAYPOINT_CACHE_TTL", "0s"))
	if err != nil {
		panic("failed to parse cache TTL from configuration")
	}

	return &Config{
		Env:         setDefaultEnv("WAYPOINT_ENV", "production"),
		APIKey:      os.Getenv("WAYPOINT_API_KEY"),
		Workers:     workers,
		Retries:     retries,
		Timeout:     timeout,
		MetricsPort: metricsPort,
		CachePath:   os.Getenv("WAYPOINT_CACHE"),
		CacheTTL:    cacheTTL,
	}
}

func setDefaultEnv(key, override string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		value = override
	}

	return value
}
