// Package config loads process configuration from the environment (with an
// optional .env file) and table rules from YAML.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config centralizes environment variables and runtime parameters.
type Config struct {
	Env  string // "local", "dev", "prod"
	Port string

	DatabaseURL string // PostgreSQL; takes precedence over SQLitePath
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers     string // "a:9092,b:9092"; empty disables event publishing
	TopicRaceSettled string

	RulesPath string

	OutboxSize        int
	OutboxMaxAttempts int // 1 = best effort, no retry
	OutboxBackoff     time.Duration

	HistoryLimit int
}

// Load reads .env when present, then the environment, applying defaults.
func Load() Config {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	return Config{
		Env:  getEnv("ENV", "local"),
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getDuration("CACHE_TTL", 30*time.Second),

		KafkaBrokers:     getEnv("KAFKA_BROKERS", ""),
		TopicRaceSettled: getEnv("KAFKA_TOPIC_RACE_SETTLED", "race_settled"),

		RulesPath: getEnv("RULES_PATH", ""),

		OutboxSize:        getInt("OUTBOX_SIZE", 1024),
		OutboxMaxAttempts: getInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxBackoff:     getDuration("OUTBOX_BACKOFF", 200*time.Millisecond),

		HistoryLimit: getInt("HISTORY_LIMIT", 50),
	}
}

// getEnv returns the environment value or the default.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}
