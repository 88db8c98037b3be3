package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"railpulse/internal/store"
)

// Snapshotter copies the rolling windows to the cache so a restarted
// process can pick up where the previous one stopped.
type Snapshotter struct {
	cache    Backend
	store    *store.Store
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	Now func() time.Time
}

func NewSnapshotter(cache Backend, st *store.Store, interval, ttl time.Duration, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		cache:    cache,
		store:    st,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With("component", "snapshotter"),
		Now:      time.Now,
	}
}

// SaveAll writes every window and returns how many were written.
func (s *Snapshotter) SaveAll(ctx context.Context) (int, error) {
	start := time.Now()
	snaps := s.store.Snapshot()

	saved := 0
	for _, snap := range snaps {
		if err := s.cache.SetJSONCompressed(ctx, KeyWindow(snap.TrainNumber), snap, s.ttl); err != nil {
			return saved, fmt.Errorf("save window %s: %w", snap.TrainNumber, err)
		}
		saved++
	}

	s.logger.Debug("saved window snapshots", "count", saved, "duration_ms", time.Since(start).Milliseconds())
	return saved, nil
}

// Restore loads every cached window into the store. Samples past the
// retention age are dropped on the way in.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	keys, err := s.cache.Keys(ctx, KeyWindowPattern)
	if err != nil {
		return 0, fmt.Errorf("list windows: %w", err)
	}

	now := s.Now()
	restored := 0
	for _, key := range keys {
		var snap store.Snapshot
		ok, err := s.cache.GetJSONCompressed(ctx, key, &snap)
		if err != nil {
			s.logger.Warn("skipping unreadable window snapshot", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if snap.TrainNumber == "" {
			snap.TrainNumber = strings.TrimPrefix(key, "window:")
		}
		s.store.Restore(&snap, now)
		restored++
	}

	s.logger.Info("restored window snapshots", "count", restored, "trains", s.store.Count())
	return restored, nil
}

// Forget deletes the snapshots of trains that were pruned.
func (s *Snapshotter) Forget(ctx context.Context, trains []string) {
	for _, train := range trains {
		if err := s.cache.Delete(ctx, KeyWindow(train)); err != nil {
			s.logger.Warn("failed to delete window snapshot", "train_number", train, "error", err)
		}
	}
}

// Run saves on every tick and once more when ctx is done.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.SaveAll(flushCtx); err != nil {
				s.logger.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := s.SaveAll(ctx); err != nil {
				s.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}
