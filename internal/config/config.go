// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the daemon needs to run. A set DATABASE_URL selects
// the PostgreSQL backend; otherwise the embedded SQLite database at
// SQLITE_PATH is used.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	SQLitePath  string

	PollInterval time.Duration
	Concurrency  int
	FetchTimeout time.Duration

	// Entity extraction is an optional capability. An empty API key leaves
	// it disabled and items are marked skipped.
	ExtractionURL     string
	ExtractionAPIKey  string
	ExtractionRate    float64
	ExtractionRetries int
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "newsfeeder.db"),

		ExtractionURL:    os.Getenv("EXTRACTION_API_URL"),
		ExtractionAPIKey: os.Getenv("EXTRACTION_API_KEY"),
	}

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getDuration("FETCH_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = getInt("INGEST_CONCURRENCY", 10); err != nil {
		return nil, err
	}
	if cfg.ExtractionRetries, err = getInt("EXTRACTION_RETRIES", 4); err != nil {
		return nil, err
	}
	if cfg.ExtractionRate, err = getFloat("EXTRACTION_RATE", 2); err != nil {
		return nil, err
	}

	if cfg.PollInterval < time.Minute {
		return nil, fmt.Errorf("POLL_INTERVAL must be at least 1m, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

// ExtractionEnabled reports whether the extraction capability is configured.
func (c *Config) ExtractionEnabled() bool {
	return c.ExtractionURL != "" && c.ExtractionAPIKey != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
