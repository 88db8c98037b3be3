package ingestor

import (
	"context"
	"log/slog"
	"time"

	"railpulse/internal/registry"
)

// RegistryRefresher periodically merges a GTFS feed into the registry.
type RegistryRefresher struct {
	registry       *registry.Registry
	url            string
	updateInterval time.Duration
	logger         *slog.Logger
	onUpdate       func(context.Context)
}

func NewRegistryRefresher(reg *registry.Registry, url string, updateInterval time.Duration, logger *slog.Logger) *RegistryRefresher {
	if updateInterval <= 0 {
		updateInterval = 24 * time.Hour
	}
	return &RegistryRefresher{
		registry:       reg,
		url:            url,
		updateInterval: updateInterval,
		logger:         logger.With("component", "registry_refresher"),
	}
}

func (r *RegistryRefresher) Start(ctx context.Context) {
	r.update(ctx)

	ticker := time.NewTicker(r.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.update(ctx)
		}
	}
}

func (r *RegistryRefresher) update(ctx context.Context) {
	start := time.Now()
	before := r.registry.Count()

	if err := r.registry.LoadGTFS(ctx, r.url, r.logger); err != nil {
		r.logger.Error("failed to refresh train registry", "error", err)
		return
	}

	if r.onUpdate != nil {
		r.onUpdate(ctx)
	}

	r.logger.Info("train registry refreshed",
		"duration", time.Since(start),
		"trains_before", before,
		"trains", r.registry.Count(),
	)
}

func (r *RegistryRefresher) SetOnUpdate(fn func(context.Context)) {
	r.onUpdate = fn
}
