package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sodap/settlement-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "settlement.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	// GIVEN: environment overrides
	t.Setenv("SETTLE_HTTP_PORT", "9090")
	t.Setenv("SETTLE_DB_DRIVER", "memory")
	t.Setenv("SETTLE_JWT_SECRET", "s3cret")
	t.Setenv("SETTLE_RATE_LIMIT_RPS", "5")

	// WHEN: a flag also sets the port
	cfg, err := config.Load([]string{"-port", "7070", "-log-level", "debug"})

	// THEN: flags win over env, env wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("SETTLE_DB_DRIVER", "postgres")
	_, err := config.Load(nil)
	assert.Error(t, err)
}
