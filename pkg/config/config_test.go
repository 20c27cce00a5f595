package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.MirrorBackend)
	assert.Equal(t, "devnet", cfg.Profile)
	assert.Equal(t, 48*time.Hour, cfg.MinTimelock)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MIRROR_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://gov@db:5432/gov")
	t.Setenv("MIN_TIMELOCK", "72h")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.MirrorBackend)
	assert.Equal(t, "postgres://gov@db:5432/gov", cfg.DatabaseURL)
	assert.Equal(t, 72*time.Hour, cfg.MinTimelock)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadIgnoresInvalidTimelock(t *testing.T) {
	t.Setenv("MIN_TIMELOCK", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 48*time.Hour, cfg.MinTimelock)
}
