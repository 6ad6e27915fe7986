package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aigentsy/dealcore/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("AUDIT_S3_REGION", "")
	t.Setenv("TELEMETRY_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://production:5432/deals")
	t.Setenv("FEE_SCHEDULE_FILE", "/etc/dealcore/schedule.yaml")
	t.Setenv("PSP_BASE_URL", "https://psp.example.com")
	t.Setenv("PSP_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("TELEMETRY_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/deals", cfg.DatabaseURL)
	assert.Equal(t, "/etc/dealcore/schedule.yaml", cfg.ScheduleFile)
	assert.Equal(t, "https://psp.example.com", cfg.PSPBaseURL)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.TelemetryEnabled)
}

func TestLoad_BadSweepIntervalFallsBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "often")
	cfg := config.Load()
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
