package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"railpulse/internal/config"
	"railpulse/internal/domain"
	"railpulse/internal/tracker"
	"railpulse/internal/tracker/source"
	"railpulse/pkg/railapi"
)

const stopTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadTracker()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	userType := domain.UserType(cfg.UserType)
	if !userType.Valid() {
		logger.Error("invalid user type", "user_type", cfg.UserType)
		os.Exit(1)
	}

	src, err := locationSource(cfg, logger)
	if err != nil {
		logger.Error("invalid location source", "error", err)
		os.Exit(1)
	}

	db, err := tracker.OpenState(cfg.StatePath)
	if err != nil {
		logger.Error("failed to open tracker state", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	deviceID, err := tracker.DeviceID(db)
	if err != nil {
		logger.Error("failed to load device id", "error", err)
		os.Exit(1)
	}

	logger.Info("starting railtracker",
		"endpoint", cfg.Endpoint,
		"train_number", cfg.TrainNumber,
		"device_id", deviceID,
		"location_source", cfg.LocationSource,
	)

	client := railapi.New(cfg.Endpoint, cfg.RequestTimeout)
	sender := tracker.NewSender(client, tracker.Backoff{
		Base:     cfg.RetryBase,
		Max:      cfg.RetryMax,
		Attempts: cfg.RetryAttempts,
	}, cfg.RequestTimeout, logger)
	probe := tracker.NewHTTPProbe(client, cfg.ConnectivityProbeInterval, logger)

	t := tracker.New(src, sender, tracker.NewBoltQueue(db, cfg.OfflineQueueLimit), probe, tracker.Options{
		TrainNumber:    cfg.TrainNumber,
		DeviceID:       deviceID,
		UserType:       userType,
		MinAccuracy:    cfg.MinAccuracy,
		BatchSize:      cfg.BatchSize,
		UpdateInterval: cfg.UpdateInterval,
		Compress:       cfg.Compress,
		Watch:          tracker.DefaultWatchOptions(),
	}, logger)

	if err := t.StartTracking(context.Background()); err != nil {
		logger.Error("failed to start tracking", "error", err)
		db.Close()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := t.StopTracking(ctx); err != nil {
		logger.Error("failed to flush buffered samples", "error", err)
	}

	stats := t.Stats()
	logger.Info("shutdown complete",
		"observed", stats.Observed,
		"accepted", stats.Accepted,
		"sent", stats.Sent,
		"queued", stats.Queued,
		"replayed", stats.Replayed,
		"discarded", stats.Discarded,
	)
}

// locationSource parses LOCATION_SOURCE, either file:<path> or
// serial:<port>.
func locationSource(cfg *config.TrackerConfig, logger *slog.Logger) (tracker.LocationSource, error) {
	kind, target, ok := strings.Cut(cfg.LocationSource, ":")
	if !ok || target == "" {
		return nil, fmt.Errorf("LOCATION_SOURCE must be file:<path> or serial:<port>, got %q", cfg.LocationSource)
	}
	switch kind {
	case "file":
		return source.NewFile(target, logger), nil
	case "serial":
		return source.NewSerial(target, cfg.SerialBaud, logger), nil
	default:
		return nil, fmt.Errorf("unknown location source kind %q", kind)
	}
}
