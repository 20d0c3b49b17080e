package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	DatabaseURL string // Postgres; when empty, SQLite is used
	SQLitePath  string
	RedisURL    string // registry, bus and fast tier; when empty, single-instance mode
	InstanceID  string

	PushServiceURL string

	// Live-session registry
	LiveSessionTTL time.Duration // 0 disables expiry

	// Persister sweep
	PersistInterval   time.Duration
	PersistAfter      time.Duration
	StaleSendingAfter time.Duration

	// takeFromQueue limits
	TakeDefaultLimit int
	TakeMaxLimit     int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "3100"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/pickup.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		InstanceID:  getEnv("INSTANCE_ID", defaultInstanceID()),

		PushServiceURL: os.Getenv("PUSH_SERVICE_URL"),

		LiveSessionTTL: getDuration("LIVE_SESSION_TTL", 0),

		PersistInterval:   getDuration("PERSIST_INTERVAL", 60*time.Second),
		PersistAfter:      getDuration("PERSIST_AFTER", 60*time.Second),
		StaleSendingAfter: getDuration("STALE_SENDING_AFTER", 5*time.Minute),

		TakeDefaultLimit: getInt("TAKE_DEFAULT_LIMIT", 10),
		TakeMaxLimit:     getInt("TAKE_MAX_LIMIT", 100),
	}

	// In production, a fleet behind a load balancer needs cluster-visible
	// coordination state.
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// defaultInstanceID identifies this process in live-session records.
// Replicas can share a hostname, so a random suffix is appended.
func defaultInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return uuid.NewString()
	}
	return hostname + "-" + uuid.NewString()[:8]
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
