package memory

import (
	"context"
	"fmt"

	"github.com/cortex-mem/cortex-go/pkg/embedder"
	"github.com/cortex-mem/cortex-go/pkg/storage"
)

// Default comparison parameters: at most compareLimit candidates per fact,
// above compareThreshold similarity.
const (
	compareLimit     = 5
	compareThreshold = 0.7
)

// Comparator retrieves existing active memories semantically similar to a
// fact's text.
//
// It is a thin adapter over the store's vector search: embed the text, run
// the scoped query, return the ranked candidates. It holds no mutable state,
// so one instance is safely invoked concurrently for every fact in an
// extraction batch.
type Comparator struct {
	embedder  embedder.Provider
	store     storage.Store
	limit     int
	threshold float64
}

// NewComparator creates a comparator with the default limit and threshold.
func NewComparator(provider embedder.Provider, store storage.Store) *Comparator {
	return &Comparator{
		embedder:  provider,
		store:     store,
		limit:     compareLimit,
		threshold: compareThreshold,
	}
}

// SetThreshold overrides the candidate similarity cutoff.
func (c *Comparator) SetThreshold(threshold float64) {
	c.threshold = threshold
}

// FindSimilar returns up to limit active memories for the user ranked by
// semantic similarity to text, above the threshold.
func (c *Comparator) FindSimilar(ctx context.Context, userID, text string) ([]*storage.Memory, error) {
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}

	memories, err := c.store.SearchVector(ctx, embedding, &storage.SearchOptions{
		UserID:    userID,
		Limit:     c.limit,
		Threshold: c.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}

	return memories, nil
}
