package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_TestDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("PROXY_LIST", "http://p1:8080, http://p2:8080 ,")
	t.Setenv("REQUEST_INTERVAL", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTest())
	assert.Equal(t, "admin", cfg.AuthUsername)
	assert.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, cfg.ProxyList)
	assert.InDelta(t, 0.25, cfg.RequestsPerSecond(), 1e-9)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, time.Hour, cfg.RunTimeout)
	assert.Equal(t, "5 15 * * 1-5", cfg.DailyFetchCron)
}

func TestLoadConfig_RequiresSecretsOutsideTest(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SECRET_KEY", "")
	t.Setenv("AUTH_USERNAME", "")
	t.Setenv("AUTH_PASSWORD", "")
	t.Setenv("AUTH_PASSWORD_HASH", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY")
	assert.Contains(t, err.Error(), "AUTH_USERNAME")
}

func TestValidate_RejectsNonPositive(t *testing.T) {
	cfg := &Config{SecretKey: "k", AuthUsername: "u", AuthPassword: "p", DatabasePoolSize: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_INTERVAL")
	assert.Contains(t, err.Error(), "MAX_RETRIES")
	assert.Contains(t, err.Error(), "DATA_FETCH_BATCH_SIZE")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/x", maskDSN("postgres://user:pw@db:5432/x"))
	assert.Equal(t, "sqlite://data/quotes.db", maskDSN("sqlite://data/quotes.db"))
}

func TestLocation_FallsBackToFixedZone(t *testing.T) {
	cfg := &Config{SchedulerTimezone: "Not/AZone"}
	_, offset := time.Date(2024, 1, 2, 0, 0, 0, 0, cfg.Location()).Zone()
	assert.Equal(t, 8*3600, offset)
}
