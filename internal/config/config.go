package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Workers       int
	PollInterval  time.Duration
	PollRetries   int
	SubmitRetries int
	SubmitStagger time.Duration

	// StoreBackend selects where batches persist: "file" or "redis".
	StoreBackend string
	DataDir      string
	RedisAddr    string

	GenBaseURL string
	GenToken   string

	LogLevel string
}

// Load reads the environment, after merging an optional .env file. Real
// environment variables win over .env entries.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:       env("X2V_SERVER_ADDR", ":8080"),
		JWTSecret:  env("X2V_JWT_SECRET", "dev-change-me"),
		AccessTTL:  envDuration("X2V_ACCESS_TTL", 15*time.Minute),
		RefreshTTL: envDuration("X2V_REFRESH_TTL", 14*24*time.Hour),

		Workers:       envInt("X2V_MAX_CONCURRENT_TASKS", 3),
		PollInterval:  envDuration("X2V_POLL_INTERVAL", 5*time.Second),
		PollRetries:   envInt("X2V_POLL_RETRIES", 3),
		SubmitRetries: envInt("X2V_SUBMIT_RETRIES", 3),
		SubmitStagger: envDuration("X2V_SUBMIT_STAGGER", 60*time.Millisecond),

		StoreBackend: env("X2V_STORE_BACKEND", "file"),
		DataDir:      env("X2V_DATA_DIR", "data"),
		RedisAddr:    env("X2V_REDIS_ADDR", "localhost:6379"),

		GenBaseURL: env("X2V_GEN_BASE_URL", ""),
		GenToken:   env("X2V_GEN_TOKEN", ""),

		LogLevel: env("X2V_LOG_LEVEL", "info"),
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
