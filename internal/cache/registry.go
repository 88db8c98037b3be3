package cache

import (
	"context"
	"fmt"
	"log/slog"

	"railpulse/internal/domain"
)

// RegistryStore keeps the last feed-derived train list so a restart
// does not depend on the feed being reachable.
type RegistryStore struct {
	cache  Backend
	logger *slog.Logger
}

func NewRegistryStore(cache Backend, logger *slog.Logger) *RegistryStore {
	return &RegistryStore{cache: cache, logger: logger.With("component", "registry_store")}
}

func (r *RegistryStore) Save(ctx context.Context, trains []domain.TrainInfo) error {
	if err := r.cache.SetJSONCompressed(ctx, KeyTrains, trains, 0); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	r.logger.Debug("saved registry", "trains", len(trains))
	return nil
}

func (r *RegistryStore) Load(ctx context.Context) ([]domain.TrainInfo, error) {
	var trains []domain.TrainInfo
	if _, err := r.cache.GetJSONCompressed(ctx, KeyTrains, &trains); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return trains, nil
}
