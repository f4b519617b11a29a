package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendRedis, cfg.CounterBackend)
	assert.Equal(t, BackendPostgres, cfg.SessionBackend)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.False(t, cfg.FailOpenGuards)
	assert.Equal(t, "sentinel-guard", cfg.JWTIssuer)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 5, cfg.LockoutMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.LockoutDuration)
	assert.Equal(t, 15*time.Minute, cfg.LockoutFailureWindow)
	assert.Equal(t, 1000, cfg.EventBufferSize)
	assert.Nil(t, cfg.KafkaBrokersList())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("COUNTER_BACKEND", "memory")
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("LOCKOUT_MAX_ATTEMPTS", "3")
	t.Setenv("LOCKOUT_DURATION", "5m")
	t.Setenv("FAIL_OPEN_GUARDS", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("IP_WHITELIST", "10.0.0.1,127.0.0.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, BackendMemory, cfg.CounterBackend)
	assert.Equal(t, BackendRedis, cfg.SessionBackend)
	assert.Equal(t, 3, cfg.LockoutMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.LockoutDuration)
	assert.True(t, cfg.FailOpenGuards)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokersList())
	assert.Equal(t, []string{"10.0.0.1", "127.0.0.1"}, cfg.WhitelistEntries())
}

func TestLoad_ProductionRequiresLongSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SESSION_BACKEND", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_BACKEND")
}

func TestLoad_NonPositiveThreshold(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("IP_MAX_FAILED_REQUESTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IP_MAX_FAILED_REQUESTS")
}
