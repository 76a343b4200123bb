package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries process-level settings sourced from the environment.
// Reconciliation rules live in a separate YAML file (see rules.go) so they
// can be reviewed and hot-reloaded independently of deployment env.
type Config struct {
	AppEnv   string
	HTTPPort string

	PGHost     string
	PGPort     string
	PGUser     string
	PGPassword string
	PGDatabase string

	RedisHost     string
	RedisPassword string

	RulesPath    string
	ReportsDir   string
	AirportsJSON string

	ObservationStream string
	DeadLetterStream  string
	EligibilityStream string
	AnalyticsStream   string
	ConsumerGroup     string

	NumShards     int
	NumConsumers  int
	ShardBuffer   int
	CommitTimeout time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration

	LedgerBackend string // "memory" or "redis"
}

// FromEnv builds a Config with development defaults for anything unset.
func FromEnv() Config {
	return Config{
		AppEnv:   envOr("APP_ENV", "development"),
		HTTPPort: envOr("PORT", "8080"),

		PGHost:     envOr("PG_HOST", "localhost"),
		PGPort:     envOr("PG_PORT", "5432"),
		PGUser:     envOr("PG_USER", "postgres"),
		PGPassword: os.Getenv("PG_PASSWORD"),
		PGDatabase: envOr("PG_DB", "eu_flight_monitor"),

		RedisHost:     envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		RulesPath:    envOr("RULES_PATH", "rules.yaml"),
		ReportsDir:   envOr("REPORTS_DIR", "reports"),
		AirportsJSON: os.Getenv("AIRPORTS_JSON"),

		ObservationStream: envOr("OBSERVATION_STREAM", "flights:observations"),
		DeadLetterStream:  envOr("DEAD_LETTER_STREAM", "flights:observations:dlq"),
		EligibilityStream: envOr("ELIGIBILITY_STREAM", "claims:eligibility"),
		AnalyticsStream:   envOr("ANALYTICS_STREAM", "analytics:delays"),
		ConsumerGroup:     envOr("CONSUMER_GROUP", "delay-engine"),

		NumShards:     envIntOr("NUM_SHARDS", 8),
		NumConsumers:  envIntOr("NUM_CONSUMERS", 4),
		ShardBuffer:   envIntOr("SHARD_BUFFER", 64),
		CommitTimeout: envDurationOr("COMMIT_TIMEOUT", 5*time.Second),
		MaxAttempts:   envIntOr("MAX_COMMIT_ATTEMPTS", 5),
		RetryBackoff:  envDurationOr("RETRY_BACKOFF", 200*time.Millisecond),

		LedgerBackend: envOr("LEDGER_BACKEND", "redis"),
	}
}

// PostgresDSN assembles the connection string the way the db package expects.
func (c Config) PostgresDSN() string {
	return "postgres://" + c.PGUser + ":" + c.PGPassword + "@" +
		c.PGHost + ":" + c.PGPort + "/" + c.PGDatabase + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
