package cache

import (
	"context"
	"fmt"
	"log/slog"

	"railpulse/internal/knn"
)

// CorpusStore persists the collision estimator's training corpus.
type CorpusStore struct {
	cache  Backend
	logger *slog.Logger
}

func NewCorpusStore(cache Backend, logger *slog.Logger) *CorpusStore {
	return &CorpusStore{cache: cache, logger: logger.With("component", "corpus_store")}
}

func (c *CorpusStore) Save(ctx context.Context, corpus []knn.Example) error {
	if err := c.cache.SetJSONCompressed(ctx, KeyCorpus, corpus, 0); err != nil {
		return fmt.Errorf("save corpus: %w", err)
	}
	c.logger.Debug("saved corpus", "examples", len(corpus))
	return nil
}

// Load returns the stored corpus; ok is false when none was saved.
func (c *CorpusStore) Load(ctx context.Context) (corpus []knn.Example, ok bool, err error) {
	ok, err = c.cache.GetJSONCompressed(ctx, KeyCorpus, &corpus)
	if err != nil {
		return nil, false, fmt.Errorf("load corpus: %w", err)
	}
	return corpus, ok && len(corpus) > 0, nil
}
