package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string // empty = Postgres-backed locks
	AMQPURL     string // empty = in-memory queue

	// Relay identity: the system's own messaging account, used to answer
	// customers and to forward handoff summaries to agents.
	RelayURL   string
	RelayToken string
	RelayPhone string
	RelayRPS   float64

	AIURL    string
	AIAPIKey string

	HTTPTimeout time.Duration

	GroupingWindow    time.Duration
	DedupWindow       time.Duration
	LockTTL           time.Duration
	RelayClaimTTL     time.Duration
	RetryBackoff      time.Duration
	QueueMaxRetries   int
	QueueBatchSize    int
	EvaluationTimeout time.Duration

	TransferBatchSize   int
	TransferConcurrency int

	// cron specs for cmd/worker, robfig/cron syntax with seconds
	QueueSchedule      string
	TransferSchedule   string
	EvaluationSchedule string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || i <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return def
	}
	return i
}

func getFloatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return def
	}
	return f
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return def
	}
	return d
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}
	return FromEnv()
}

// FromEnv builds the config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", partsDSN()),
		RedisURL:    getEnv("REDIS_URL", ""),
		AMQPURL:     getEnv("AMQP_URL", ""),

		RelayURL:   getEnv("RELAY_URL", ""),
		RelayToken: getEnv("RELAY_TOKEN", ""),
		RelayPhone: getEnv("RELAY_PHONE", ""),
		RelayRPS:   getFloatEnv("RELAY_RPS", 5),

		AIURL:    getEnv("AI_URL", ""),
		AIAPIKey: getEnv("AI_API_KEY", ""),

		HTTPTimeout: getDurationEnv("HTTP_TIMEOUT", 25*time.Second),

		GroupingWindow:    getDurationEnv("GROUPING_WINDOW", 10*time.Second),
		DedupWindow:       getDurationEnv("DEDUP_WINDOW", 30*time.Second),
		LockTTL:           getDurationEnv("LOCK_TTL", time.Minute),
		RelayClaimTTL:     getDurationEnv("RELAY_CLAIM_TTL", 2*time.Minute),
		RetryBackoff:      getDurationEnv("RETRY_BACKOFF", 60*time.Second),
		QueueMaxRetries:   getIntEnv("QUEUE_MAX_RETRIES", 3),
		QueueBatchSize:    getIntEnv("QUEUE_BATCH_SIZE", 10),
		EvaluationTimeout: getDurationEnv("EVALUATION_TIMEOUT", 5*time.Minute),

		TransferBatchSize:   getIntEnv("TRANSFER_BATCH_SIZE", 20),
		TransferConcurrency: getIntEnv("TRANSFER_CONCURRENCY", 3),

		QueueSchedule:      getEnv("QUEUE_SCHEDULE", "@every 5s"),
		TransferSchedule:   getEnv("TRANSFER_SCHEDULE", "@every 30s"),
		EvaluationSchedule: getEnv("EVALUATION_SCHEDULE", "@every 1m"),
	}
}

// partsDSN assembles a DSN from DB_* when DATABASE_URL is not given.
func partsDSN() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"),
		host, getEnv("DB_PORT", "5432"), os.Getenv("DB_NAME"),
	)
}

// Validate reports the settings a running deployment cannot do without.
func (c *Config) Validate() error {
	var missing []string
	for key, v := range map[string]string{
		"DATABASE_URL": c.DatabaseURL,
		"RELAY_URL":    c.RelayURL,
		"RELAY_TOKEN":  c.RelayToken,
		"RELAY_PHONE":  c.RelayPhone,
		"AI_URL":       c.AIURL,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	// a processor run makes an AI call and a relay call, each up to HTTP_TIMEOUT
	if floor := 2 * c.HTTPTimeout; c.LockTTL < floor {
		return fmt.Errorf("LOCK_TTL %s must be at least twice HTTP_TIMEOUT (%s)", c.LockTTL, floor)
	} else if c.RelayClaimTTL < floor {
		return fmt.Errorf("RELAY_CLAIM_TTL %s must be at least twice HTTP_TIMEOUT (%s)", c.RelayClaimTTL, floor)
	}
	return nil
}
