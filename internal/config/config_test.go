package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DispatchMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.DispatchBackoffBase)
	assert.Equal(t, 200, cfg.MaxDmsPerDay)
	assert.Equal(t, 10, cfg.MonitorPostLimit)
	assert.Equal(t, time.Duration(0), cfg.DispatchMinCooldown)
	assert.Equal(t, time.UTC, cfg.Timezone)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("DISPATCH_WORKERS", "8")
	t.Setenv("DISPATCH_MIN_COOLDOWN", "2h")
	t.Setenv("TIMEZONE", "Asia/Jakarta")
	t.Setenv("REDIS_TLS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.Equal(t, 2*time.Hour, cfg.DispatchMinCooldown)
	assert.Equal(t, "Asia/Jakarta", cfg.Timezone.String())
	assert.True(t, cfg.RedisTLS)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("QUEUE_BACKEND", "kafka")
	t.Setenv("DISPATCH_WORKERS", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "QUEUE_BACKEND")
	assert.Contains(t, err.Error(), "DISPATCH_WORKERS")
}
