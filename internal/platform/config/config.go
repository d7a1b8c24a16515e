package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the audit service reads from the environment.
// FromEnv keeps main lean; every field has a development-safe default.
type Config struct {
	Addr     string
	LogLevel string

	// PostgresDSN is the ledger store connection string. Empty selects the
	// in-memory store (development and tests only).
	PostgresDSN string

	// Kafka stream fan-out. Empty brokers disable publishing entirely.
	KafkaBrokers   []string
	KafkaTopic     string
	PublishTimeout time.Duration

	// RedisURL enables the timeline read cache when set.
	RedisURL         string
	TimelineCacheTTL time.Duration

	// Retention horizon for the archival sweep. Records older than this become
	// eligible for cold-storage export; the ledger itself never deletes them.
	RetentionDays int
	SweepInterval time.Duration

	// Anomaly scanner tuning. Comparisons are strict greater-than, so the
	// boundary value itself never triggers a finding.
	ScanWindow          time.Duration
	FailedLoginLimit    int
	ExportLimit         int
	DistinctIPLimit     int
	EmitScannerAlerts   bool
	RequestTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:     envStr("AUDIT_ADDR", ":8002"),
		LogLevel: envStr("AUDIT_LOG_LEVEL", "info"),

		PostgresDSN: os.Getenv("AUDIT_POSTGRES_DSN"),

		KafkaBrokers:   envList("AUDIT_KAFKA_BROKERS", nil),
		KafkaTopic:     envStr("AUDIT_KAFKA_TOPIC", "audit-events"),
		PublishTimeout: envDuration("AUDIT_PUBLISH_TIMEOUT", 5*time.Second),

		RedisURL:         os.Getenv("AUDIT_REDIS_URL"),
		TimelineCacheTTL: envDuration("AUDIT_TIMELINE_CACHE_TTL", 30*time.Second),

		// 7 years, HIPAA-grade default.
		RetentionDays: envInt("AUDIT_RETENTION_DAYS", 2555),
		SweepInterval: envDuration("AUDIT_SWEEP_INTERVAL", time.Hour),

		ScanWindow:        envDuration("AUDIT_SCAN_WINDOW", 24*time.Hour),
		FailedLoginLimit:  envInt("AUDIT_FAILED_LOGIN_LIMIT", 5),
		ExportLimit:       envInt("AUDIT_EXPORT_LIMIT", 20),
		DistinctIPLimit:   envInt("AUDIT_DISTINCT_IP_LIMIT", 3),
		EmitScannerAlerts: os.Getenv("AUDIT_EMIT_SCANNER_ALERTS") == "true",

		RequestTimeout:      envDuration("AUDIT_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDuration("AUDIT_SHUTDOWN_GRACE", 10*time.Second),
	}
}

func envStr(key, def string) string {
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

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetentionHorizon converts the configured retention days into a duration.
func (c Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
