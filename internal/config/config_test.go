package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "docker", cfg.Backend)
	assert.Equal(t, "none", cfg.HistoryBackend)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 10*time.Second, cfg.DefaultCommandTimeout)
	assert.Equal(t, 120*time.Second, cfg.MaxCommandTimeout)
	assert.Equal(t, 64*1024, cfg.OutputCapBytes)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowOrigins)
	assert.Empty(t, cfg.RabbitMQURL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	t.Setenv("REAPER_INTERVAL", "5s")
	t.Setenv("OUTPUT_CAP_BYTES", "1024")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("HISTORY_BACKEND", "sqlite")

	cfg := LoadConfig()

	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 1024, cfg.OutputCapBytes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowOrigins)
	assert.Equal(t, "sqlite", cfg.HistoryBackend)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PROVISION_TIMEOUT", "soon")
	t.Setenv("OUTPUT_CAP_BYTES", "lots")

	cfg := LoadConfig()

	assert.Equal(t, 2*time.Minute, cfg.ProvisionTimeout)
	assert.Equal(t, 64*1024, cfg.OutputCapBytes)
}
