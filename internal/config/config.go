package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	SubmitRateLimit    int
	SubmitRateWindow   time.Duration
	RateLimitKey       string
	RateLimitWhitelist []string

	WindowMaxSamples int
	WindowMaxAge     time.Duration
	FusionHorizon    time.Duration
	MaxBatchSize     int
	PruneInterval    time.Duration
	TileZoomLevel    int

	RegionMinLat float64
	RegionMaxLat float64
	RegionMinLng float64
	RegionMaxLng float64

	KNNK         int
	KNNMaxCorpus int

	GTFSURL            string
	GTFSUpdateInterval time.Duration

	RedisEnabled     bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SnapshotInterval time.Duration
	SnapshotTTL      time.Duration

	ContributorTTL       time.Duration
	ContributorCacheSize int
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		SubmitRateLimit:    getIntEnv("SUBMIT_RATE_LIMIT", 10),
		SubmitRateWindow:   getDurationEnv("SUBMIT_RATE_WINDOW", time.Minute),
		RateLimitKey:       strings.ToLower(getEnv("RATE_LIMIT_KEY", "ip")),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),

		WindowMaxSamples: getIntEnv("WINDOW_MAX_SAMPLES", 200),
		WindowMaxAge:     getDurationEnv("WINDOW_MAX_AGE", 2*time.Hour),
		FusionHorizon:    getDurationEnv("FUSION_HORIZON", 10*time.Minute),
		MaxBatchSize:     getIntEnv("MAX_BATCH_SIZE", 100),
		PruneInterval:    getDurationEnv("PRUNE_INTERVAL", time.Minute),
		TileZoomLevel:    getIntEnv("TILE_ZOOM_LEVEL", 12),

		RegionMinLat: getFloatEnv("REGION_MIN_LAT", 11.5),
		RegionMaxLat: getFloatEnv("REGION_MAX_LAT", 18.5),
		RegionMinLng: getFloatEnv("REGION_MIN_LNG", 74.0),
		RegionMaxLng: getFloatEnv("REGION_MAX_LNG", 78.6),

		KNNK:         getIntEnv("KNN_K", 5),
		KNNMaxCorpus: getIntEnv("KNN_MAX_CORPUS", 1000),

		GTFSURL:            getEnv("GTFS_URL", ""),
		GTFSUpdateInterval: getDurationEnv("GTFS_UPDATE_INTERVAL", 24*time.Hour),

		RedisEnabled:     getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		SnapshotInterval: getDurationEnv("SNAPSHOT_INTERVAL", 30*time.Second),
		SnapshotTTL:      getDurationEnv("SNAPSHOT_TTL", 2*time.Hour),

		ContributorTTL:       getDurationEnv("CONTRIBUTOR_TTL", 24*time.Hour),
		ContributorCacheSize: getIntEnv("CONTRIBUTOR_CACHE_SIZE", 10000),
	}

	if cfg.RateLimitKey != "ip" && cfg.RateLimitKey != "ip_ua" {
		return nil, fmt.Errorf("RATE_LIMIT_KEY must be ip or ip_ua, got %q", cfg.RateLimitKey)
	}
	if cfg.RegionMinLat >= cfg.RegionMaxLat || cfg.RegionMinLng >= cfg.RegionMaxLng {
		return nil, fmt.Errorf("region bounds are empty: lat [%v, %v] lng [%v, %v]",
			cfg.RegionMinLat, cfg.RegionMaxLat, cfg.RegionMinLng, cfg.RegionMaxLng)
	}
	return cfg, nil
}

// TrackerConfig configures the device agent.
type TrackerConfig struct {
	LogLevel    slog.Level
	Endpoint    string
	TrainNumber string
	StatePath   string
	UserType    string

	MinAccuracy    float64
	BatchSize      int
	UpdateInterval time.Duration
	Compress       bool

	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBase      time.Duration
	RetryMax       time.Duration

	OfflineQueueLimit         int
	ConnectivityProbeInterval time.Duration

	LocationSource string
	SerialBaud     int
}

func LoadTracker() (*TrackerConfig, error) {
	endpoint := os.Getenv("TRACKER_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("TRACKER_ENDPOINT environment variable is required")
	}
	train := os.Getenv("TRAIN_NUMBER")
	if train == "" {
		return nil, fmt.Errorf("TRAIN_NUMBER environment variable is required")
	}

	return &TrackerConfig{
		LogLevel:    getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		Endpoint:    strings.TrimRight(endpoint, "/"),
		TrainNumber: train,
		StatePath:   getEnv("TRACKER_STATE_PATH", "railtracker.db"),
		UserType:    getEnv("USER_TYPE", "passenger"),

		MinAccuracy:    getFloatEnv("MIN_ACCURACY", 100),
		BatchSize:      getIntEnv("BATCH_SIZE", 5),
		UpdateInterval: getDurationEnv("UPDATE_INTERVAL", 30*time.Second),
		Compress:       getBoolEnv("COMPRESS", true),

		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 10*time.Second),
		RetryAttempts:  getIntEnv("RETRY_ATTEMPTS", 3),
		RetryBase:      getDurationEnv("RETRY_BASE", time.Second),
		RetryMax:       getDurationEnv("RETRY_MAX", 10*time.Second),

		OfflineQueueLimit:         getIntEnv("OFFLINE_QUEUE_LIMIT", 50),
		ConnectivityProbeInterval: getDurationEnv("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),

		LocationSource: getEnv("LOCATION_SOURCE", "file:/dev/stdin"),
		SerialBaud:     getIntEnv("SERIAL_BAUD", 9600),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
