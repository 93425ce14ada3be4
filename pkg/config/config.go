// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the gatewright service configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage. DatabaseURL selects postgres when set; otherwise SQLitePath
	// is used, which defaults to an on-disk file next to the process.
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string // optional chain cache

	// Signing key seed, hex-encoded 32 bytes. Required in production; when
	// empty the service generates an ephemeral key and says so loudly.
	SigningKeySeed string
	SigningKeyID   string

	JWTSecret string
	JWTIssuer string

	PolicyDomain string

	EvidenceDir string // filesystem evidence sink
	S3Bucket    string // optional S3 evidence sink, overrides EvidenceDir
	S3Region    string
	S3Endpoint  string

	RolloutTick time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	OTLPEndpoint string
	OTLPEnabled  bool
	Environment  string
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

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("SQLITE_PATH", "gatewright.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		SigningKeySeed: os.Getenv("SIGNING_KEY_SEED"),
		SigningKeyID:   envOr("SIGNING_KEY_ID", "gatewright-1"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: envOr("JWT_ISSUER", "gatewright"),

		PolicyDomain: envOr("POLICY_DOMAIN", "release"),

		EvidenceDir: envOr("EVIDENCE_DIR", "evidence"),
		S3Bucket:    os.Getenv("EVIDENCE_S3_BUCKET"),
		S3Region:    envOr("EVIDENCE_S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("EVIDENCE_S3_ENDPOINT"),

		RolloutTick: envDurationOr("ROLLOUT_TICK", 10*time.Second),

		RateLimitRPS:   envIntOr("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envIntOr("RATE_LIMIT_BURST", 100),

		OTLPEndpoint: envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  os.Getenv("OTLP_ENABLED") == "true",
		Environment:  envOr("ENVIRONMENT", "development"),
	}
}
