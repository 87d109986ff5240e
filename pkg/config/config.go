// Package config loads process configuration from the environment and the
// pipeline profile from YAML. Invalid configuration fails at load time.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime tuning for one pipeline instance. The ledger, cache,
// and breaker this configuration describes are local to the instance;
// running several instances means independent budgets per instance.
type Config struct {
	LogLevel string

	// Inference dependency.
	LLMBaseURL    string
	LLMModel      string
	LLMAPIKey     string
	LLMTimeout    time.Duration // per attempt
	LLMRatePerSec float64
	LLMBurst      int

	// Resilience.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxJitter   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CacheTTL         time.Duration

	// Budget ceilings (calls per UTC day).
	TenantDailyCap int64
	GlobalDailyCap int64

	// Batch processing.
	Workers           int
	ClassifyThreshold float64

	// Seen-set (idempotency window). SeenDBPath selects the durable
	// sqlite-backed set; empty means in-memory only.
	SeenTTL    time.Duration
	SeenMax    int
	SeenDBPath string

	// Optional Redis-backed inference cache. Empty means in-memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from environment variables, filling defaults for
// anything unset.
func Load() *Config {
	return &Config{
		LogLevel: envString("LOG_LEVEL", "INFO"),

		LLMBaseURL:    envString("LLM_BASE_URL", "https://api.openai.com/v1/chat/completions"),
		LLMModel:      envString("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMTimeout:    envDuration("LLM_TIMEOUT", 30*time.Second),
		LLMRatePerSec: envFloat("LLM_RATE_PER_SEC", 5),
		LLMBurst:      envInt("LLM_BURST", 10),

		RetryMaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 250*time.Millisecond),
		RetryMaxDelay:    envDuration("RETRY_MAX_DELAY", 5*time.Second),
		RetryMaxJitter:   envDuration("RETRY_MAX_JITTER", 200*time.Millisecond),
		BreakerThreshold: envInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDuration("BREAKER_COOLDOWN", 30*time.Second),
		CacheTTL:         envDuration("CACHE_TTL", 24*time.Hour),

		TenantDailyCap: int64(envInt("TENANT_DAILY_CAP", 200)),
		GlobalDailyCap: int64(envInt("GLOBAL_DAILY_CAP", 2000)),

		Workers:           envInt("PIPELINE_WORKERS", 4),
		ClassifyThreshold: envFloat("CLASSIFY_THRESHOLD", 0.7),

		SeenTTL:    envDuration("SEEN_TTL", 72*time.Hour),
		SeenMax:    envInt("SEEN_MAX", 100_000),
		SeenDBPath: os.Getenv("SEEN_DB_PATH"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
