// Package config loads runtime configuration for the tallyd server from
// environment variables, with an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Store
	StoreBackend  string // memory | postgres | sqlite | mongo
	DatabaseURL   string
	SQLitePath    string
	MongoURL      string
	MongoDatabase string

	// Payment rail
	RailBackend      string // fixture | finternet
	FinternetBaseURL string
	FinternetAPIKey  string

	// Gemini AI
	GeminiAPIKey         string
	GeminiConcurrentReqs int

	// Metering
	Currency           string
	FreePreviewSeconds int

	// Workers
	ProgressFlushInterval time.Duration
	SweepInterval         time.Duration
	PayoutRetryInterval   time.Duration
	PayoutRetryBatch      int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port: getEnvOrDefault("PORT", "8080"),
		Env:  getEnvOrDefault("ENV", "development"),

		StoreBackend:  getEnvOrDefault("STORE_BACKEND", "memory"),
		DatabaseURL:   getEnvOrDefault("DATABASE_URL", ""),
		SQLitePath:    getEnvOrDefault("SQLITE_PATH", "tally.db"),
		MongoURL:      getEnvOrDefault("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGO_DATABASE", "tally"),

		RailBackend:      getEnvOrDefault("RAIL_BACKEND", "fixture"),
		FinternetBaseURL: getEnvOrDefault("FINTERNET_BASE_URL", ""),
		FinternetAPIKey:  getEnvOrDefault("FINTERNET_API_KEY", ""),

		GeminiAPIKey:         getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),

		Currency:           getEnvOrDefault("CURRENCY", "usd"),
		FreePreviewSeconds: getEnvAsIntOrDefault("FREE_PREVIEW_SECONDS", 10),

		ProgressFlushInterval: getEnvAsDurationOrDefault("PROGRESS_FLUSH_INTERVAL", 5*time.Second),
		SweepInterval:         getEnvAsDurationOrDefault("SWEEP_INTERVAL", 30*time.Second),
		PayoutRetryInterval:   getEnvAsDurationOrDefault("PAYOUT_RETRY_INTERVAL", time.Minute),
		PayoutRetryBatch:      getEnvAsIntOrDefault("PAYOUT_RETRY_BATCH", 50),
	}

	return cfg
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
