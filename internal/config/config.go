// Package config loads the server's runtime configuration from the
// environment, with an optional .env overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server's tunables. RedisAddr and AuditDatabaseURL
// are optional; empty values disable the backplane and the audit log.
type Config struct {
	DebounceDelay time.Duration
	TailSize      int
	IdleEviction  time.Duration
	ShutdownDrain time.Duration

	StoreDir string

	ListenAddr    string
	AllowedOrigin string

	RedisAddr        string
	AuditDatabaseURL string
}

// Load reads a .env file if present, then overlays process environment
// variables, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DebounceDelay: getEnvDuration("DEBOUNCE_DELAY", 500*time.Millisecond),
		TailSize:      getEnvInt("TAIL_SIZE", 10),
		IdleEviction:  getEnvDuration("IDLE_EVICTION", 30*time.Minute),
		ShutdownDrain: getEnvDuration("SHUTDOWN_DRAIN", 30*time.Second),

		StoreDir: getEnv("STORE_DIR", defaultStoreDir()),

		ListenAddr:    listenAddr(),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
	}

	if cfg.TailSize <= 0 {
		return nil, fmt.Errorf("TAIL_SIZE must be positive, got %d", cfg.TailSize)
	}
	return cfg, nil
}

func listenAddr() string {
	addr := getEnv("LISTEN_ADDR", "")
	if addr != "" {
		return addr
	}
	port := getEnv("PORT", "5000")
	return "0.0.0.0:" + port
}

func defaultStoreDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/collabedit/documents"
	}
	return "./data/documents"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
