package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 120, cfg.StaleAfterSeconds)
	assert.Equal(t, 100, cfg.DefaultChunkSize)
	assert.Equal(t, 10000, cfg.MaxRows)
	assert.Equal(t, 50, cfg.ElevatedSkipRatioPercent)
	assert.Equal(t, 3, cfg.MediaMaxRetryAttempts)
	assert.Equal(t, "memory", cfg.ArchiveBackend)
	assert.Equal(t, "compliance-7y", cfg.RetentionClass)
	assert.True(t, cfg.WormEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STALE_AFTER_SECONDS", "45")
	t.Setenv("MAX_ROWS", "500")
	t.Setenv("WORM_ENABLED", "false")
	t.Setenv("CORS_ORIGINS", "https://console.example.com, https://ops.example.com")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 45, cfg.StaleAfterSeconds)
	assert.Equal(t, 500, cfg.MaxRows)
	assert.False(t, cfg.WormEnabled)
	assert.Equal(t, []string{"https://console.example.com", "https://ops.example.com"}, cfg.CORSOrigins)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("MAX_ROWS", "not-a-number")
	cfg := Load()
	assert.Equal(t, 10000, cfg.MaxRows)
}
