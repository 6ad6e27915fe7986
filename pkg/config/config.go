// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the Postgres repository when set. SQLitePath
	// selects the embedded store. With neither, deals live in memory.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr selects the Redis party balance store when set.
	RedisAddr string

	// ScheduleFile points at the fee schedule YAML. Empty uses the
	// built-in defaults.
	ScheduleFile string

	PSPBaseURL    string
	PSPAPIKey     string
	WebhookSecret string

	// Audit export archive (S3 or MinIO).
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	OTLPEndpoint     string
	TelemetryEnabled bool

	SweepInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	sweep := 1 * time.Minute
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			sweep = d
		}
	}

	region := os.Getenv("AUDIT_S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		ScheduleFile:     os.Getenv("FEE_SCHEDULE_FILE"),
		PSPBaseURL:       os.Getenv("PSP_BASE_URL"),
		PSPAPIKey:        os.Getenv("PSP_API_KEY"),
		WebhookSecret:    os.Getenv("PSP_WEBHOOK_SECRET"),
		S3Bucket:         os.Getenv("AUDIT_S3_BUCKET"),
		S3Region:         region,
		S3Endpoint:       os.Getenv("AUDIT_S3_ENDPOINT"),
		S3Prefix:         os.Getenv("AUDIT_S3_PREFIX"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		SweepInterval:    sweep,
	}
}
