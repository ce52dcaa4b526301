package config

import (
	"os"
	"strconv"
	"time"

	strs "aegis/pkg/platform/strings"
)

// Server captures process level configuration.
type Server struct {
	Addr              string
	AdminAPIToken     string
	// AdminAPITokenHash is a bcrypt hash of the admin token; it wins over AdminAPIToken.
	AdminAPITokenHash string
	JWTSigningKey     string
	JWTIssuer         string

	// RateLimitConfig is an optional YAML file overlaying the policy defaults.
	RateLimitConfig   string
	RateLimitDisabled bool

	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Log      LogConfig
}

// RedisConfig configures the shared window and violation store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the allowlist database. An empty DSN keeps the
// allowlist in memory.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// KafkaConfig configures the security event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
	// File enables a rotated log file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:              getEnv("AEGIS_ADDR", ":8080"),
		AdminAPIToken:     os.Getenv("ADMIN_API_TOKEN"),
		AdminAPITokenHash: os.Getenv("ADMIN_API_TOKEN_HASH"),
		JWTSigningKey:     jwtSigningKey,
		JWTIssuer:         os.Getenv("JWT_ISSUER"),
		RateLimitConfig:   os.Getenv("RATE_LIMIT_CONFIG"),
		RateLimitDisabled: os.Getenv("RATE_LIMIT_DISABLED") == "true",
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 250*time.Millisecond),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 250*time.Millisecond),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:  strs.SplitList(os.Getenv("KAFKA_BROKERS")),
			Topic:    getEnv("KAFKA_SECURITY_TOPIC", "aegis.security-events"),
			ClientID: getEnv("KAFKA_CLIENT_ID", "aegis"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 14),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
