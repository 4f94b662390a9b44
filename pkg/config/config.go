// Package config loads the service configuration from the environment,
// optionally overlaid by a YAML environment profile.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the full server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the durable snapshot store; empty runs in-memory.
	DatabaseURL string
	// RedisAddr selects the shared rate-limit counter; empty runs in-memory.
	RedisAddr string

	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	// SourceMappingsFile points at the JSON list of admitted
	// (tenant, instance, source) mappings.
	SourceMappingsFile string

	StaleAfterSeconds int

	DefaultChunkSize         int
	MaxRows                  int
	ElevatedSkipRatioPercent int
	MediaMaxItems            int
	MediaMaxBytes            int64
	MaxChunksPerAttempt      int
	MediaMaxRetryAttempts    int

	EvidenceSignerKeyID      string
	EvidenceSignerPrivatePEM string
	EvidenceSignerPublicPEM  string

	ArchiveBackend       string
	ArchiveBucket        string
	ArchiveRegion        string
	ArchiveEndpoint      string
	ArchivePrefix        string
	ArchiveRetentionDays int
	RetentionClass       string
	WormEnabled          bool

	RateLimitPerMinute    int64
	IdempotencyTTLSeconds int
	CORSOrigins           []string
}

// Load reads the configuration from environment variables, applying
// defaults suitable for local development.
func Load() *Config {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		AuthSecret:   os.Getenv("AUTH_SECRET"),
		AuthIssuer:   getEnv("AUTH_ISSUER", "restore-control"),
		AuthAudience: getEnv("AUTH_AUDIENCE", "restore-api"),

		SourceMappingsFile: os.Getenv("SOURCE_MAPPINGS_FILE"),

		StaleAfterSeconds: getInt("STALE_AFTER_SECONDS", 120),

		DefaultChunkSize:         getInt("DEFAULT_CHUNK_SIZE", 100),
		MaxRows:                  getInt("MAX_ROWS", 10000),
		ElevatedSkipRatioPercent: getInt("ELEVATED_SKIP_RATIO_PERCENT", 50),
		MediaMaxItems:            getInt("MEDIA_MAX_ITEMS", 500),
		MediaMaxBytes:            int64(getInt("MEDIA_MAX_BYTES", 1<<30)),
		MaxChunksPerAttempt:      getInt("MAX_CHUNKS_PER_ATTEMPT", 0),
		MediaMaxRetryAttempts:    getInt("MEDIA_MAX_RETRY_ATTEMPTS", 3),

		EvidenceSignerKeyID:      getEnv("EVIDENCE_SIGNER_KEY_ID", "evidence-signer-dev"),
		EvidenceSignerPrivatePEM: os.Getenv("EVIDENCE_SIGNER_PRIVATE_PEM"),
		EvidenceSignerPublicPEM:  os.Getenv("EVIDENCE_SIGNER_PUBLIC_PEM"),

		ArchiveBackend:       getEnv("ARCHIVE_BACKEND", "memory"),
		ArchiveBucket:        os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:        os.Getenv("ARCHIVE_REGION"),
		ArchiveEndpoint:      os.Getenv("ARCHIVE_ENDPOINT"),
		ArchivePrefix:        getEnv("ARCHIVE_PREFIX", "restore-control"),
		ArchiveRetentionDays: getInt("ARCHIVE_RETENTION_DAYS", 0),
		RetentionClass:       getEnv("RETENTION_CLASS", "compliance-7y"),
		WormEnabled:          getBool("WORM_ENABLED", true),

		RateLimitPerMinute:    int64(getInt("RATE_LIMIT_PER_MINUTE", 0)),
		IdempotencyTTLSeconds: getInt("IDEMPOTENCY_TTL_SECONDS", 86400),
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
