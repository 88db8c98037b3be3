package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.SubmitRateLimit)
	assert.Equal(t, time.Minute, cfg.SubmitRateWindow)
	assert.Equal(t, "ip", cfg.RateLimitKey)
	assert.Equal(t, 200, cfg.WindowMaxSamples)
	assert.Equal(t, 2*time.Hour, cfg.WindowMaxAge)
	assert.Equal(t, 10*time.Minute, cfg.FusionHorizon)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, 11.5, cfg.RegionMinLat)
	assert.Equal(t, 78.6, cfg.RegionMaxLng)
	assert.Equal(t, 5, cfg.KNNK)
	assert.Equal(t, 1000, cfg.KNNMaxCorpus)
	assert.False(t, cfg.RedisEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SUBMIT_RATE_LIMIT", "3")
	t.Setenv("RATE_LIMIT_KEY", "IP_UA")
	t.Setenv("REGION_MIN_LAT", "12.25")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, ,10.0.0.2")
	t.Setenv("WINDOW_MAX_AGE", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 3, cfg.SubmitRateLimit)
	assert.Equal(t, "ip_ua", cfg.RateLimitKey)
	assert.Equal(t, 12.25, cfg.RegionMinLat)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.RateLimitWhitelist)
	assert.Equal(t, 2*time.Hour, cfg.WindowMaxAge)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Run("rate limit key", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_KEY", "cookie")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("empty region", func(t *testing.T) {
		t.Setenv("REGION_MIN_LAT", "20")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadTracker(t *testing.T) {
	_, err := LoadTracker()
	require.Error(t, err)

	t.Setenv("TRACKER_ENDPOINT", "http://localhost:8080/")
	t.Setenv("TRAIN_NUMBER", "12627")
	t.Setenv("COMPRESS", "false")

	cfg, err := LoadTracker()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Endpoint)
	assert.Equal(t, 100.0, cfg.MinAccuracy)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 50, cfg.OfflineQueueLimit)
	assert.False(t, cfg.Compress)
}
